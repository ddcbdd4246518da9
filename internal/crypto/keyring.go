package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Keyring seals provider credentials for storage at rest. Sealed values use
// a compact "keyid.nonce.ciphertext" encoding so they fit a single text
// column; decryption works with any key still on the ring, which allows
// rotating the sealing key without re-encrypting stored rows first.
type Keyring struct {
	sealKeyID string
	keys      map[string][]byte
}

func NewKeyring(sealKeyID string, keys map[string][]byte) (*Keyring, error) {
	if sealKeyID == "" {
		return nil, fmt.Errorf("seal key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[sealKeyID]; !ok {
		return nil, fmt.Errorf("seal key id %q not found", sealKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("key id %q must not contain '.'", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Keyring{sealKeyID: sealKeyID, keys: cp}, nil
}

// Seal encrypts a credential with the current sealing key.
func (k *Keyring) Seal(plaintext string) (string, error) {
	aead, err := k.aead(k.sealKeyID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	enc := base64.RawStdEncoding
	return k.sealKeyID + "." + enc.EncodeToString(nonce) + "." + enc.EncodeToString(ciphertext), nil
}

// Open decrypts a sealed credential using whichever ring key sealed it.
func (k *Keyring) Open(sealed string) (string, error) {
	parts := strings.SplitN(sealed, ".", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed sealed value")
	}
	aead, err := k.aead(parts[0])
	if err != nil {
		return "", err
	}

	enc := base64.RawStdEncoding
	nonce, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plaintext), nil
}

// Reseal re-encrypts a sealed value under the current sealing key.
func (k *Keyring) Reseal(sealed string) (string, error) {
	plain, err := k.Open(sealed)
	if err != nil {
		return "", err
	}
	return k.Seal(plain)
}

func (k *Keyring) aead(keyID string) (cipher.AEAD, error) {
	key, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
