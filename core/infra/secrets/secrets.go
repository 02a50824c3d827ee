// Package secrets seals webhook signing secrets at rest and masks them for
// display.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	sealedPrefix = "sb1:"
	keySize      = 32
	nonceSize    = 24
)

var (
	ErrInvalidKey = errors.New("secret key must decode to 32 bytes")
	ErrOpen       = errors.New("sealed secret could not be opened")
)

// Box seals values with a static key. A nil *Box is a pass-through so
// deployments without a configured key keep working.
type Box struct {
	key [keySize]byte
}

// NewBox parses a base64 (std or url) or hex encoded 32-byte key. An empty
// key returns a nil Box.
func NewBox(encoded string) (*Box, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	raw, err := decodeKey(encoded)
	if err != nil {
		return nil, err
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

func decodeKey(encoded string) ([]byte, error) {
	decoders := []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		hex.DecodeString,
	}
	for _, dec := range decoders {
		if raw, err := dec(encoded); err == nil && len(raw) == keySize {
			return raw, nil
		}
	}
	return nil, ErrInvalidKey
}

// Seal encrypts plain. Already sealed values are returned unchanged.
func (b *Box) Seal(plain string) (string, error) {
	if b == nil || plain == "" || IsSealed(plain) {
		return plain, nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("seal nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Unsealed values pass through.
func (b *Box) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if b == nil {
		return "", fmt.Errorf("%w: no key configured", ErrOpen)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrOpen
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if IsSealed(secret) || len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// Generate returns a random hex secret of n bytes.
func Generate(n int) (string, error) {
	if n <= 0 {
		n = keySize
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
