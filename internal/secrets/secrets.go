// Package secrets stores wsrelay credentials in the OS credential store.
// On macOS the login Keychain is used. Other platforms have no store and
// credentials come from the config file or the environment.
package secrets

import "errors"

// ServiceName is the keychain service holding wsrelay credentials.
const ServiceName = "wsrelay"

// Account names for the stored credentials.
const (
	// AccountJWTSecret holds the HS256 signing secret.
	AccountJWTSecret = "jwt-secret"
	// AccountPublishToken holds the bearer token of the publish API.
	AccountPublishToken = "publish-token"
)

// ErrNotFound is returned when a credential is not found in the store.
var ErrNotFound = errors.New("credential not found")

// ErrNotSupported is returned when the secret store is not supported on the current platform.
var ErrNotSupported = errors.New("secret store not supported on this platform")

// SecretStore provides secure credential storage.
// Implementations should be safe for concurrent use.
type SecretStore interface {
	// Get returns ErrNotFound if the credential does not exist.
	Get(service, account string) (string, error)
	// Set stores or replaces a credential.
	Set(service, account, password string) error
	// Delete returns ErrNotFound if the credential does not exist.
	Delete(service, account string) error
	IsSupported() bool
}

// store is set by the platform-specific init().
var store SecretStore

// Default returns the store for the current platform, a NoopStore where
// there is none.
func Default() SecretStore {
	if store == nil {
		store = &NoopStore{}
	}
	return store
}

// IsSupported returns true if secure credential storage is available on this platform.
func IsSupported() bool {
	return Default().IsSupported()
}

// Get reads a wsrelay credential from the default store.
func Get(account string) (string, error) {
	return Default().Get(ServiceName, account)
}

// Set writes a wsrelay credential to the default store.
func Set(account, value string) error {
	return Default().Set(ServiceName, account, value)
}

// Delete removes a wsrelay credential from the default store.
func Delete(account string) error {
	return Default().Delete(ServiceName, account)
}

// Account maps a short credential name ("jwt", "publish") to its account.
func Account(name string) (string, bool) {
	switch name {
	case "jwt", AccountJWTSecret:
		return AccountJWTSecret, true
	case "publish", AccountPublishToken:
		return AccountPublishToken, true
	}
	return "", false
}
