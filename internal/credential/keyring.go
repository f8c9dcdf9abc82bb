package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailsync"

// KeyringOptions selects the keyring backend.
type KeyringOptions struct {
	// Backend forces a backend ("file", "keychain", "secret-service", ...).
	// Empty lets the library pick the first available.
	Backend string
	// FileDir is used by the file backend.
	FileDir string
	// FilePassword encrypts the file backend.
	FilePassword string
}

// OpenKeyring returns a configured keyring instance.
func OpenKeyring(opts KeyringOptions) (keyring.Keyring, error) {
	backends := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
		keyring.FileBackend,
	}
	if opts.Backend != "" {
		backends = []keyring.BackendType{keyring.BackendType(opts.Backend)}
	}

	dir := opts.FileDir
	if dir == "" {
		dir = "~/.config/mailsync/credentials"
	}
	password := opts.FilePassword
	if password == "" {
		password = "mailsync-file-key"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          backends,
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(password),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return ring, nil
}

func key(account, name string) string {
	return account + ":" + name
}

func get(ring keyring.Keyring, k string) (string, bool, error) {
	item, err := ring.Get(k)
	if err == keyring.ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting credential %q: %w", k, err)
	}
	return string(item.Data), true, nil
}

func set(ring keyring.Keyring, k, value string) error {
	if err := ring.Set(keyring.Item{Key: k, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", k, err)
	}
	return nil
}
