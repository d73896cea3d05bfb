package platform

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// installationTokenResponse is the payload of
// POST /app/installations/{id}/access_tokens.
type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// installationToken caches one installation's access token, refreshing it
// shortly before GitHub expires it (installation tokens live one hour).
type installationToken struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewAppClient returns a Client authenticated as the GitHub App itself,
// for ListInstallations and for minting installation tokens.
func NewAppClient(appID int64, jwtFn func(now time.Time) (string, error)) Client {
	return NewHTTPClient(func(ctx context.Context) (string, error) {
		return jwtFn(time.Now())
	})
}

// MintInstallationToken exchanges the app's JWT for a token scoped to one
// installation, via POST /app/installations/{id}/access_tokens.
func MintInstallationToken(ctx context.Context, app Client, id InstallationID) (string, time.Time, error) {
	hc, ok := app.(*httpClient)
	if !ok {
		return "", time.Time{}, fmt.Errorf("platform: MintInstallationToken requires an *httpClient")
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", apiBaseURL, id)

	resp, err := hc.doRequest(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}

	parsed, err := decodeJSON[installationTokenResponse](resp)
	if err != nil {
		return "", time.Time{}, err
	}

	return parsed.Token, parsed.ExpiresAt, nil
}

// NewInstallationClient returns a Client authenticated as one
// installation, refreshing its access token on demand via mint whenever
// the cached one is within two minutes of expiring.
func NewInstallationClient(id InstallationID, mint func(ctx context.Context, id InstallationID) (string, time.Time, error)) Client {
	cache := &installationToken{}

	return NewHTTPClient(func(ctx context.Context) (string, error) {
		cache.mu.Lock()
		needsRefresh := cache.token == "" || time.Now().After(cache.expiresAt.Add(-2*time.Minute))
		cache.mu.Unlock()

		if !needsRefresh {
			cache.mu.Lock()
			tok := cache.token
			cache.mu.Unlock()
			return tok, nil
		}

		token, expiresAt, err := mint(ctx, id)
		if err != nil {
			return "", fmt.Errorf("platform: mint installation token: %w", err)
		}

		cache.mu.Lock()
		cache.token = token
		cache.expiresAt = expiresAt
		cache.mu.Unlock()

		return token, nil
	})
}
