package config

import "time"

// GitHubConfig is the configuration needed to talk to the platform as a
// GitHub App: its numeric id, the path to its private key, the webhook
// shared secret used to verify inbound deliveries, and how often the
// poller walks installations when webhooks are not trusted as the sole
// source of truth.
type GitHubConfig struct {
	AppID          int64         `yaml:"app_id"`
	JWTKeyFile     string        `yaml:"jwt_key_file"`
	WebhookSecret  string        `yaml:"webhook_secret"`
	PollingInterval HumanDuration `yaml:"polling_interval"`
}

const defaultPollingInterval = HumanDuration(time.Minute)

func (g *GitHubConfig) setDefaults() {
	if g.PollingInterval == 0 {
		g.PollingInterval = defaultPollingInterval
	}
}
