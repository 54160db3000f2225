package onion

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// newBestKeyBlob asks the daemon to generate a key with its preferred
// algorithm and return it in the creation response.
const newBestKeyBlob = "NEW:BEST"

// Key file names inside a hidden service directory, per layout version.
const (
	keyFileV2    = "private_key"
	keyFileV3    = "hs_ed25519_secret_key"
	pubKeyFileV3 = "hs_ed25519_public_key"
)

// pubKeyFileHeader starts the 32-byte header of hs_ed25519_public_key,
// NUL-padded, followed by the raw 32-byte key.
const pubKeyFileHeader = "== ed25519v1-public: type0 =="

// resolveKeyBlob maps caller-supplied key material to the key argument
// of ADD_ONION. An empty privateKey means "not provided": the daemon
// generates one. Material without an algorithm separator is legacy RSA
// and gets the RSA1024 tag; material with a separator is passed through
// verbatim, the caller is asserting the tag themselves (for example
// "ED25519-V3:...").
func resolveKeyBlob(privateKey string, discard bool) (string, error) {
	if privateKey == "" {
		return newBestKeyBlob, nil
	}
	if discard {
		return "", fmt.Errorf("%w: don't pass a private key and ask to discard it", ErrInvalidArgument)
	}
	if !strings.Contains(privateKey, ":") {
		return "RSA1024:" + privateKey, nil
	}
	return privateKey, nil
}

// loadPrivateKey reads the key material of a filesystem service from
// its directory. Version 2 services keep a PEM RSA key in private_key;
// version 3 services keep the expanded ed25519 key in
// hs_ed25519_secret_key, returned here byte for byte. Any other
// version is unsupported.
func loadPrivateKey(dir string, version int) ([]byte, error) {
	var name string
	switch version {
	case 2:
		name = keyFileV2
	case 3:
		name = keyFileV3
	default:
		return nil, fmt.Errorf("%w: don't know how to load key material for version %d", ErrUnsupportedVersion, version)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// deriveV3Hostname computes the onion address from the directory's
// public key file. A restored directory carries key material before
// the daemon ever writes the hostname file.
func deriveV3Hostname(dir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, pubKeyFileV3))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", pubKeyFileV3, err)
	}
	if len(raw) < 32+ed25519.PublicKeySize || !bytes.HasPrefix(raw, []byte(pubKeyFileHeader)) {
		return "", fmt.Errorf("%w: malformed %s", ErrProtocol, pubKeyFileV3)
	}
	return EncodeV3Address(ed25519.PublicKey(raw[32 : 32+ed25519.PublicKeySize]))
}
