package auth

import (
	"testing"

	"github.com/forrest-runner/forrest/internal/platform"
)

func newTestAuth() *Auth {
	return &Auth{
		app:   platform.NewFakeClient(),
		users: make(map[string]userEntry),
	}
}

func TestUserRequiresUpdateUserFirst(t *testing.T) {
	a := newTestAuth()

	if _, ok := a.User("acme"); ok {
		t.Fatal("expected User to report unknown before UpdateUser")
	}
}

func TestUpdateUserThenUser(t *testing.T) {
	a := newTestAuth()

	a.UpdateUser("acme", platform.InstallationID(42))

	client, ok := a.User("acme")
	if !ok {
		t.Fatal("expected User to find acme after UpdateUser")
	}
	if client == nil {
		t.Fatal("expected non-nil client")
	}
}

func TestUpdateUserSameIDIsNoOp(t *testing.T) {
	a := newTestAuth()

	a.UpdateUser("acme", platform.InstallationID(42))
	first, _ := a.User("acme")

	a.UpdateUser("acme", platform.InstallationID(42))
	second, _ := a.User("acme")

	if first != second {
		t.Fatal("expected UpdateUser with the same installation id to be a no-op")
	}
}

func TestUpdateUserChangedIDReplacesClient(t *testing.T) {
	a := newTestAuth()

	a.UpdateUser("acme", platform.InstallationID(42))
	first, _ := a.User("acme")

	a.UpdateUser("acme", platform.InstallationID(43))
	second, _ := a.User("acme")

	if first == second {
		t.Fatal("expected UpdateUser with a new installation id to replace the cached client")
	}
}

func TestApp(t *testing.T) {
	a := newTestAuth()
	if a.App() == nil {
		t.Fatal("expected non-nil app client")
	}
}
