package keys

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KeyStore keeps device seeds on the local filesystem, one directory per
// device identity:
//
//	<Directory>/<name>/device.key   "<alg>:<hex seed>\n", mode 0600
//
// It is the identity store that supplies a device's long-term key material.
type KeyStore struct {
	Directory string
}

type KeyEntry struct {
	Name string
	Alg  string
}

// ErrNoKey is returned when a device has no stored key.
var ErrNoKey = errors.New("keys: no stored key")

func GetDefaultDirectory() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".sos", "keys"), nil
}

func CreateKeyStore(directory string) (*KeyStore, error) {
	if directory == "" {
		var err error
		directory, err = GetDefaultDirectory()
		if err != nil {
			return nil, err
		}
	}
	return &KeyStore{Directory: directory}, nil
}

func (ks *KeyStore) keyFilePath(name string) string {
	return filepath.Join(ks.Directory, name, "device.key")
}

// CheckKeyName rejects names that are not safe as a path component.
func CheckKeyName(name string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}
	for _, char := range name {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') || (char >= '0' && char <= '9') || char == '-' || char == '_' {
			continue
		}
		return fmt.Errorf("invalid character %q in name", char)
	}
	return nil
}

// ParseSeedHex decodes a 32-byte hex seed, tolerating surrounding space and 0x.
func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimSpace(seedHex)
	seedHex = strings.TrimPrefix(seedHex, "0x")
	data, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(data) != SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", SeedSize, len(data))
	}
	return data, nil
}

func (ks *KeyStore) saveSeed(filePath, alg string, seed []byte, overwrite bool) error {
	if len(seed) != SeedSize {
		return fmt.Errorf("expected seed length of %d bytes", SeedSize)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(filePath, flags, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.WriteString(alg + ":" + hex.EncodeToString(seed) + "\n"); err != nil {
		return err
	}
	return file.Close()
}

func (ks *KeyStore) loadSeed(filePath string) (string, []byte, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, ErrNoKey
		}
		return "", nil, err
	}
	alg, seedHex, ok := strings.Cut(strings.TrimSpace(string(data)), ":")
	if !ok {
		return "", nil, fmt.Errorf("malformed key file %s", filePath)
	}
	seed, err := ParseSeedHex(seedHex)
	if err != nil {
		return "", nil, err
	}
	return alg, seed, nil
}

// InitializeDeviceKey stores seed as the device key for name.
func (ks *KeyStore) InitializeDeviceKey(name, alg string, seed []byte, overwrite bool) (*PrivateKey, error) {
	if err := CheckKeyName(name); err != nil {
		return nil, err
	}
	key, err := FromSeed(alg, seed)
	if err != nil {
		return nil, err
	}
	if err := ks.saveSeed(ks.keyFilePath(name), alg, seed, overwrite); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadDeviceKey returns the stored device key for name, or ErrNoKey.
func (ks *KeyStore) LoadDeviceKey(name string) (*PrivateKey, error) {
	if err := CheckKeyName(name); err != nil {
		return nil, err
	}
	alg, seed, err := ks.loadSeed(ks.keyFilePath(name))
	if err != nil {
		return nil, err
	}
	return FromSeed(alg, seed)
}

// LoadOrCreateDeviceKey loads the device key for name, generating and storing
// a fresh one on first use.
func (ks *KeyStore) LoadOrCreateDeviceKey(name, alg string) (*PrivateKey, error) {
	key, err := ks.LoadDeviceKey(name)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNoKey) {
		return nil, err
	}
	_, seed, err := Generate(alg, rand.Reader)
	if err != nil {
		return nil, err
	}
	return ks.InitializeDeviceKey(name, alg, seed, false)
}

// DeviceSigner satisfies the identity-source contract used by account trust.
func (ks *KeyStore) DeviceSigner(deviceID string) (Signer, error) {
	return ks.LoadOrCreateDeviceKey(deviceID, AlgEd25519)
}

// ExportKey returns the public key string for the stored device key.
func (ks *KeyStore) ExportKey(name string) (string, error) {
	key, err := ks.LoadDeviceKey(name)
	if err != nil {
		return "", err
	}
	return key.Public().String(), nil
}

func (ks *KeyStore) ListKeys() ([]KeyEntry, error) {
	entries, err := os.ReadDir(ks.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var result []KeyEntry
	for _, name := range names {
		alg, _, err := ks.loadSeed(ks.keyFilePath(name))
		if err != nil {
			continue
		}
		result = append(result, KeyEntry{Name: name, Alg: alg})
	}
	return result, nil
}
