// Package auth caches platform.Client instances authenticated as forrest's
// GitHub App and as each installation it has been granted access to,
// grounded on _examples/original_source/src/auth.rs.
package auth

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/forrest-runner/forrest/internal/config"
	"github.com/forrest-runner/forrest/internal/platform"
)

// Auth is the authentication cache described by spec.md §4.2: one Client
// authenticated as the app itself, plus a user-name -> installation
// Client mapping populated by UpdateUser as installations are discovered
// via webhooks and polling.
type Auth struct {
	app platform.Client

	mu    sync.Mutex
	users map[string]userEntry
}

type userEntry struct {
	id     platform.InstallationID
	client platform.Client
}

// New constructs an Auth from the current configuration: it reads the
// GitHub App's private key from disk and builds an app-authenticated
// Client that signs a fresh JWT per request.
func New(cfg *config.ConfigFile) (*Auth, error) {
	pemBytes, err := os.ReadFile(cfg.GitHub.JWTKeyFile)
	if err != nil {
		return nil, fmt.Errorf("auth: read jwt key file: %w", err)
	}

	key, err := platform.ParseRSAPrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse jwt key: %w", err)
	}

	appID := cfg.GitHub.AppID

	app := platform.NewAppClient(appID, func(now time.Time) (string, error) {
		return platform.SignAppJWT(appID, key, now)
	})

	return &Auth{
		app:   app,
		users: make(map[string]userEntry),
	}, nil
}

// NewWithClient builds an Auth around an already-constructed app Client,
// bypassing the JWT key file read in New. Used by tests and by any
// caller that wants to supply its own app-level Client (e.g. a fake).
func NewWithClient(app platform.Client) *Auth {
	return &Auth{
		app:   app,
		users: make(map[string]userEntry),
	}
}

// App returns the Client authenticated as forrest's GitHub App, used to
// enumerate installations and mint installation tokens.
func (a *Auth) App() platform.Client {
	return a.app
}

// UpdateUser records or refreshes the installation id associated with
// user. It must be called at least once for a user before User can
// return a Client for them. Re-registering the same (user, id) pair is a
// no-op; changing the id for an existing user replaces its cached Client.
func (a *Auth) UpdateUser(user string, id platform.InstallationID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.users[user]; ok && existing.id == id {
		return
	}

	app := a.app
	client := platform.NewInstallationClient(id, func(ctx context.Context, id platform.InstallationID) (string, time.Time, error) {
		return platform.MintInstallationToken(ctx, app, id)
	})

	a.users[user] = userEntry{id: id, client: client}
}

// User returns the Client authenticated as user's installation, or false
// if UpdateUser has not yet been called for them.
func (a *Auth) User(user string) (platform.Client, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.users[user]
	if !ok {
		return nil, false
	}
	return entry.client, true
}
