//go:build darwin

package secrets

import (
	"errors"

	"github.com/keybase/go-keychain"
)

func init() {
	store = &KeychainStore{}
}

// KeychainStore keeps credentials as generic passwords in the login
// Keychain. Items stay on this machine and are readable while unlocked.
type KeychainStore struct{}

// item returns a generic password item addressing service/account.
func item(service, account string) keychain.Item {
	it := keychain.NewItem()
	it.SetSecClass(keychain.SecClassGenericPassword)
	it.SetService(service)
	it.SetAccount(account)
	return it
}

func (k *KeychainStore) Get(service, account string) (string, error) {
	query := item(service, account)
	query.SetMatchLimit(keychain.MatchLimitOne)
	query.SetReturnData(true)

	results, err := keychain.QueryItem(query)
	switch {
	case errors.Is(err, keychain.ErrorItemNotFound):
		return "", ErrNotFound
	case err != nil:
		return "", err
	case len(results) == 0:
		return "", ErrNotFound
	}
	return string(results[0].Data), nil
}

func (k *KeychainStore) Set(service, account, password string) error {
	it := item(service, account)
	it.SetLabel(service + " " + account)
	it.SetData([]byte(password))
	it.SetSynchronizable(keychain.SynchronizableNo)
	it.SetAccessible(keychain.AccessibleWhenUnlocked)

	err := keychain.AddItem(it)
	if !errors.Is(err, keychain.ErrorDuplicateItem) {
		return err
	}
	update := keychain.NewItem()
	update.SetData([]byte(password))
	return keychain.UpdateItem(item(service, account), update)
}

func (k *KeychainStore) Delete(service, account string) error {
	err := keychain.DeleteItem(item(service, account))
	if errors.Is(err, keychain.ErrorItemNotFound) {
		return ErrNotFound
	}
	return err
}

func (k *KeychainStore) IsSupported() bool {
	return true
}
