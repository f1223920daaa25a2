package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
)

var errEmptyKeystorePath = errors.New("crypto: empty keystore path")

// SaveToKeystore encrypts key into a v3 keystore file at path and returns the
// key's address. Missing parent directories are created with 0700.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) (Address, error) {
	if key == nil || key.PrivateKey == nil {
		return Address{}, errors.New("crypto: nil private key")
	}
	if path == "" {
		return Address{}, errEmptyKeystorePath
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Address{}, err
	}

	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return Address{}, err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.ImportECDSA(key.PrivateKey, passphrase)
	if err != nil {
		return Address{}, err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Address{}, err
	}
	if err := os.Rename(account.URL.Path, path); err != nil {
		return Address{}, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return Address{}, err
	}
	return key.PubKey().Address(), nil
}

// LoadFromKeystore decrypts a v3 keystore file.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errEmptyKeystorePath
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// KeystoreAddress reads the plaintext address field of a keystore file
// without decrypting it.
func KeystoreAddress(path string) (Address, error) {
	if path == "" {
		return Address{}, errEmptyKeystorePath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Address{}, err
	}
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return Address{}, fmt.Errorf("crypto: parse keystore: %w", err)
	}
	if !common.IsHexAddress(header.Address) {
		return Address{}, fmt.Errorf("crypto: keystore has no valid address")
	}
	return NewAddress(MannaPrefix, common.HexToAddress(header.Address).Bytes()), nil
}
