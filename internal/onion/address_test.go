package onion

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
)

func TestEncodeV3AddressRoundTrip(t *testing.T) {
	pub := make([]byte, ed25519.PublicKeySize)
	for i := range pub {
		pub[i] = byte(i)
	}

	addr, err := EncodeV3Address(pub)
	if err != nil {
		t.Fatalf("EncodeV3Address failed: %v", err)
	}
	if !strings.HasSuffix(addr, ".onion") {
		t.Errorf("EncodeV3Address() = %q, want a .onion suffix", addr)
	}
	if got := len(strings.TrimSuffix(addr, ".onion")); got != 56 {
		t.Errorf("address length = %d, want 56", got)
	}
	if addr != strings.ToLower(addr) {
		t.Errorf("EncodeV3Address() = %q, want lowercase", addr)
	}

	back, err := ParseV3Address(addr)
	if err != nil {
		t.Fatalf("ParseV3Address failed on own encoding: %v", err)
	}
	if !bytes.Equal(back, pub) {
		t.Errorf("round trip lost the public key: got %x, want %x", back, pub)
	}
}

func TestParseV3AddressAcceptsBareID(t *testing.T) {
	pub := make([]byte, ed25519.PublicKeySize)
	addr, err := EncodeV3Address(pub)
	if err != nil {
		t.Fatalf("EncodeV3Address failed: %v", err)
	}

	bare := strings.TrimSuffix(addr, ".onion")
	if _, err := ParseV3Address(bare); err != nil {
		t.Errorf("ParseV3Address(%q) without suffix failed: %v", bare, err)
	}
	if _, err := ParseV3Address(strings.ToUpper(bare)); err != nil {
		t.Errorf("ParseV3Address should be case insensitive, got %v", err)
	}
}

func TestEncodeV3AddressRejectsShortKey(t *testing.T) {
	_, err := EncodeV3Address(make([]byte, 16))
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("EncodeV3Address(short key) error = %v, want ErrInvalidArgument", err)
	}
}

func TestParseV3AddressRejectsBadInput(t *testing.T) {
	pub := make([]byte, ed25519.PublicKeySize)

	// Correct pub, checksum bytes flipped.
	sum := v3Checksum(pub)
	payload := append(append([]byte{}, pub...), sum[0]^0xff, sum[1]^0xff, v3AddressVersion)
	badChecksum := strings.ToLower(addressEncoding.EncodeToString(payload))

	// Correct length, version byte 5.
	payload = append(append([]byte{}, pub...), 0x00, 0x00, 0x05)
	badVersion := strings.ToLower(addressEncoding.EncodeToString(payload))

	tests := []struct {
		name    string
		addr    string
		wantMsg string
	}{
		{
			name:    "wrong length",
			addr:    "tooshort.onion",
			wantMsg: "56 characters",
		},
		{
			name:    "invalid base32",
			addr:    strings.Repeat("1", 56),
			wantMsg: "base32",
		},
		{
			name:    "checksum mismatch",
			addr:    badChecksum,
			wantMsg: "checksum mismatch",
		},
		{
			name:    "unsupported version",
			addr:    badVersion,
			wantMsg: "version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseV3Address(tt.addr)
			if err == nil {
				t.Fatalf("ParseV3Address(%q) should fail", tt.addr)
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("error = %v, want ErrInvalidArgument", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantMsg)
			}
			if IsV3Address(tt.addr) {
				t.Errorf("IsV3Address(%q) = true, want false", tt.addr)
			}
		})
	}
}
