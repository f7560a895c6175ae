package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// Codec prepares credential values for storage and lookup according to
// each field's declared encryption policy.
type Codec struct {
	key        []byte // 32 bytes enables PolicyEncrypt
	bcryptCost int
}

// NewCodec builds a codec. key may be nil when no field uses
// PolicyEncrypt; bcryptCost <= 0 selects bcrypt.DefaultCost.
func NewCodec(key []byte, bcryptCost int) (*Codec, error) {
	if len(key) != 0 && len(key) != 32 {
		return nil, errors.New("auth: encryption key must be 32 bytes")
	}
	if bcryptCost <= 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Codec{key: key, bcryptCost: bcryptCost}, nil
}

// Encode turns a submitted value into its stored representation plus the
// lookup digest for identifying fields. A hash-encrypted field must never
// be identifying: bcrypt output is salted and cannot be equality-joined.
func (c *Codec) Encode(field CredentialField, value string) (Credential, error) {
	cred := Credential{Key: field.Key}
	switch field.Policy {
	case PolicyNone:
		cred.Value = value
	case PolicyHash:
		if field.Identifying {
			return Credential{}, fmt.Errorf("auth: field %s: hash-encrypted fields cannot be identifying", field.Key)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(value), c.bcryptCost)
		if err != nil {
			return Credential{}, err
		}
		cred.Value = string(hash)
	case PolicyEncrypt:
		enc, err := c.encrypt(value)
		if err != nil {
			return Credential{}, err
		}
		cred.Value = enc
	default:
		return Credential{}, fmt.Errorf("auth: unknown encryption policy %q", field.Policy)
	}
	if field.Identifying {
		cred.Lookup = LookupDigest(value)
	}
	return cred, nil
}

// Verify checks a submitted value against a stored credential.
func (c *Codec) Verify(field CredentialField, stored Credential, value string) error {
	switch field.Policy {
	case PolicyNone:
		if stored.Value != value {
			return ErrInvalidCredentials
		}
		return nil
	case PolicyHash:
		if bcrypt.CompareHashAndPassword([]byte(stored.Value), []byte(value)) != nil {
			return ErrInvalidCredentials
		}
		return nil
	case PolicyEncrypt:
		plain, err := c.Decrypt(stored.Value)
		if err != nil {
			return err
		}
		if plain != value {
			return ErrInvalidCredentials
		}
		return nil
	default:
		return fmt.Errorf("auth: unknown encryption policy %q", field.Policy)
	}
}

// LookupDigest is the deterministic digest stored next to identifying
// fields for equality joins.
func LookupDigest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func (c *Codec) encrypt(value string) (string, error) {
	if len(c.key) == 0 {
		return "", errors.New("auth: encryption key not configured")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(value), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses PolicyEncrypt storage.
func (c *Codec) Decrypt(stored string) (string, error) {
	if len(c.key) == 0 {
		return "", errors.New("auth: encryption key not configured")
	}
	raw, err := base64.RawURLEncoding.DecodeString(stored)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("auth: ciphertext too short")
	}
	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
