package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var ErrDecrypt = errors.New("credentials: decryption failed")

// Fields are the provider specific values stored inside the encrypted blob.
type Fields map[string]string

// Cipher turns Fields into an opaque blob and back.
type Cipher interface {
	Encrypt(f Fields) ([]byte, error)
	Decrypt(blob []byte) (Fields, error)
}

// SecretBox seals credential blobs with XSalsa20-Poly1305. The blob layout is
// nonce || sealed.
type SecretBox struct {
	key [32]byte
}

// NewSecretBox accepts a 32 byte key encoded as hex or standard base64.
func NewSecretBox(encoded string) (*SecretBox, error) {
	encoded = strings.TrimSpace(encoded)
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errors.New("credentials key must be hex or base64")
		}
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("credentials key must be 32 bytes, got %d", len(raw))
	}
	b := &SecretBox{}
	copy(b.key[:], raw)
	return b, nil
}

func (b *SecretBox) Encrypt(f Fields) ([]byte, error) {
	plain, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &b.key), nil
}

func (b *SecretBox) Decrypt(blob []byte) (Fields, error) {
	if len(blob) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])
	plain, ok := secretbox.Open(nil, blob[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecrypt
	}
	var f Fields
	if err := json.Unmarshal(plain, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return f, nil
}
