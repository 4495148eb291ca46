package secrets

// NoopStore is the SecretStore of platforms without a credential store.
type NoopStore struct{}

// Get returns ErrNotSupported.
func (n *NoopStore) Get(service, account string) (string, error) {
	return "", ErrNotSupported
}

// Set returns ErrNotSupported.
func (n *NoopStore) Set(service, account, password string) error {
	return ErrNotSupported
}

// Delete returns ErrNotSupported.
func (n *NoopStore) Delete(service, account string) error {
	return ErrNotSupported
}

// IsSupported returns false for the NoopStore.
func (n *NoopStore) IsSupported() bool {
	return false
}
