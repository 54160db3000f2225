package onion

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base32"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Version 3 onion addresses are base32(pubkey || checksum || version),
// 56 characters, where checksum is the first two bytes of
// SHA3-256(".onion checksum" || pubkey || version).
const (
	v3AddressLen     = 56
	v3AddressVersion = 0x03
	v3ChecksumPrefix = ".onion checksum"
)

var addressEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeV3Address derives the onion hostname for an ed25519 public
// key, including the .onion suffix.
func EncodeV3Address(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: ed25519 public key must be %d bytes, got %d", ErrInvalidArgument, ed25519.PublicKeySize, len(pub))
	}

	payload := make([]byte, 0, ed25519.PublicKeySize+3)
	payload = append(payload, pub...)
	payload = append(payload, v3Checksum(pub)...)
	payload = append(payload, v3AddressVersion)

	return strings.ToLower(addressEncoding.EncodeToString(payload)) + ".onion", nil
}

// ParseV3Address validates an onion hostname (the .onion suffix is
// optional) and returns the embedded public key.
func ParseV3Address(hostname string) (ed25519.PublicKey, error) {
	id := strings.ToLower(strings.TrimSpace(hostname))
	id = strings.TrimSuffix(id, ".onion")

	if len(id) != v3AddressLen {
		return nil, fmt.Errorf("%w: onion address must be %d characters, got %d", ErrInvalidArgument, v3AddressLen, len(id))
	}

	raw, err := addressEncoding.DecodeString(strings.ToUpper(id))
	if err != nil {
		return nil, fmt.Errorf("%w: onion address is not valid base32", ErrInvalidArgument)
	}

	version := raw[len(raw)-1]
	if version != v3AddressVersion {
		return nil, fmt.Errorf("%w: unsupported onion address version %d", ErrInvalidArgument, version)
	}

	pub := ed25519.PublicKey(raw[:ed25519.PublicKeySize])
	if !bytes.Equal(raw[ed25519.PublicKeySize:ed25519.PublicKeySize+2], v3Checksum(pub)) {
		return nil, fmt.Errorf("%w: onion address checksum mismatch", ErrInvalidArgument)
	}

	return pub, nil
}

// IsV3Address reports whether hostname is a well-formed version 3
// onion address.
func IsV3Address(hostname string) bool {
	_, err := ParseV3Address(hostname)
	return err == nil
}

func v3Checksum(pub []byte) []byte {
	h := sha3.New256()
	h.Write([]byte(v3ChecksumPrefix))
	h.Write(pub)
	h.Write([]byte{v3AddressVersion})
	return h.Sum(nil)[:2]
}
