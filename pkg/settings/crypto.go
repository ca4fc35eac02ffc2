package settings

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	blobVersion = 0x01
	encPrefix   = "enc:v1:"
)

// Cipher seals setting values with AES-256-GCM. The key is the SHA-256 of the
// configured passphrase. Sealed values are "enc:v1:" + base64(0x01|nonce|ct).
type Cipher struct {
	gcm cipher.AEAD
}

func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("empty encryption key")
	}
	h := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(h[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{gcm: gcm}, nil
}

func (c *Cipher) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := c.gcm.Seal(nil, nonce, []byte(plain), nil)
	out := make([]byte, 1+len(nonce)+len(ct))
	out[0] = blobVersion
	copy(out[1:1+len(nonce)], nonce)
	copy(out[1+len(nonce):], ct)
	return encPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a sealed value. Values without the prefix were stored before
// encryption was enabled and are returned unchanged.
func (c *Cipher) Decrypt(v string) (string, error) {
	if !strings.HasPrefix(v, encPrefix) {
		return v, nil
	}
	raw, err := base64.StdEncoding.DecodeString(v[len(encPrefix):])
	if err != nil {
		return "", fmt.Errorf("decode sealed setting: %w", err)
	}
	ns := c.gcm.NonceSize()
	if len(raw) < 1+ns || raw[0] != blobVersion {
		return "", errors.New("sealed setting: unknown format")
	}
	plain, err := c.gcm.Open(nil, raw[1:1+ns], raw[1+ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open sealed setting: %w", err)
	}
	return string(plain), nil
}

// encStore seals sensitive keys on the way into the wrapped store.
type encStore struct {
	Store
	c *Cipher
}

// Encrypted wraps s so sensitive values are stored sealed with c.
func Encrypted(s Store, c *Cipher) Store {
	return &encStore{Store: s, c: c}
}

func (e *encStore) seal(key, v string) (string, error) {
	if !IsSensitive(key) || v == "" {
		return v, nil
	}
	return e.c.Encrypt(v)
}

func (e *encStore) open(vals map[string]string) (map[string]string, error) {
	for k, v := range vals {
		if !IsSensitive(k) {
			continue
		}
		plain, err := e.c.Decrypt(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		vals[k] = plain
	}
	return vals, nil
}

func (e *encStore) Get(ctx context.Context, key string) (string, error) {
	v, err := e.Store.Get(ctx, key)
	if err != nil || !IsSensitive(key) {
		return v, err
	}
	return e.c.Decrypt(v)
}

func (e *encStore) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	vals, err := e.Store.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	return e.open(vals)
}

func (e *encStore) Set(ctx context.Context, key, value string) error {
	return e.SetMany(ctx, map[string]string{key: value})
}

func (e *encStore) SetMany(ctx context.Context, values map[string]string) error {
	sealed := make(map[string]string, len(values))
	for k, v := range values {
		s, err := e.seal(k, v)
		if err != nil {
			return err
		}
		sealed[k] = s
	}
	return e.Store.SetMany(ctx, sealed)
}

func (e *encStore) All(ctx context.Context) (map[string]string, error) {
	vals, err := e.Store.All(ctx)
	if err != nil {
		return nil, err
	}
	return e.open(vals)
}
