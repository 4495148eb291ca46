package secrets

import (
	"errors"
	"testing"
)

func TestNoopStore(t *testing.T) {
	store := &NoopStore{}
	if _, err := store.Get("service", "account"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Get() error = %v, want %v", err, ErrNotSupported)
	}
	if err := store.Set("service", "account", "password"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Set() error = %v, want %v", err, ErrNotSupported)
	}
	if err := store.Delete("service", "account"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Delete() error = %v, want %v", err, ErrNotSupported)
	}
	if store.IsSupported() {
		t.Error("IsSupported() = true, want false")
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Error("Default() returned nil store")
	}
}

func TestAccount(t *testing.T) {
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"jwt", AccountJWTSecret, true},
		{"jwt-secret", AccountJWTSecret, true},
		{"publish", AccountPublishToken, true},
		{"publish-token", AccountPublishToken, true},
		{"oidc", "", false},
	}
	for _, tt := range tests {
		got, ok := Account(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Account(%q) = %q, %v; want %q, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}
