package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of configured key material (AES-256).
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrAuthenticationFailed is returned when a secret does not verify under the key.
	ErrAuthenticationFailed = errors.New("vault: authentication failed")
	// ErrMalformedSecret is returned when a secret cannot be decoded.
	ErrMalformedSecret = errors.New("vault: malformed secret")
	// ErrUnknownPurpose is returned for a purpose without key material.
	ErrUnknownPurpose = errors.New("vault: unknown purpose")
)

// Purpose selects which key slot protects a value.
type Purpose int

const (
	PurposeRefreshToken Purpose = iota + 1
	PurposePayload
)

func (p Purpose) String() string {
	switch p {
	case PurposeRefreshToken:
		return "refresh-token"
	case PurposePayload:
		return "payload"
	default:
		return "unknown"
	}
}

// EncryptedSecret is an AES-GCM sealed value with every part base64 encoded.
type EncryptedSecret struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	AuthTag    string `json:"authTag"`
}

// IsZero reports whether the secret carries no data.
func (s EncryptedSecret) IsZero() bool {
	return s.IV == "" && s.Ciphertext == "" && s.AuthTag == ""
}

// Vault seals and opens secrets with one AEAD per purpose. It holds no
// mutable state and is safe for concurrent use.
type Vault struct {
	aeads   map[Purpose]cipher.AEAD
	payload []byte
}

// New builds a vault from the two independent key slots.
func New(refreshTokenKey, payloadKey []byte) (*Vault, error) {
	if len(refreshTokenKey) != KeySize || len(payloadKey) != KeySize {
		return nil, fmt.Errorf("vault: keys must be %d bytes", KeySize)
	}
	if subtle.ConstantTimeCompare(refreshTokenKey, payloadKey) == 1 {
		return nil, errors.New("vault: refresh token and payload keys must differ")
	}

	v := &Vault{aeads: make(map[Purpose]cipher.AEAD, 2)}
	for purpose, master := range map[Purpose][]byte{
		PurposeRefreshToken: refreshTokenKey,
		PurposePayload:      payloadKey,
	} {
		subkey, err := derive(master, "calsync/aead/"+purpose.String())
		if err != nil {
			return nil, err
		}
		block, err := aes.NewCipher(subkey)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
		v.aeads[purpose] = aead
	}

	mac, err := derive(payloadKey, "calsync/mac")
	if err != nil {
		return nil, err
	}
	v.payload = mac
	return v, nil
}

// DecodeKey parses base64 key material from configuration.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode key: %w", err)
		}
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("decode key: expected %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext under the purpose's key with a fresh random nonce.
func (v *Vault) Encrypt(purpose Purpose, plaintext []byte) (EncryptedSecret, error) {
	aead, ok := v.aeads[purpose]
	if !ok {
		return EncryptedSecret{}, ErrUnknownPurpose
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedSecret{}, fmt.Errorf("vault: nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, []byte(purpose.String()))
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return EncryptedSecret{
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt verifies and opens a secret. No plaintext is returned unless the
// authentication tag verifies.
func (v *Vault) Decrypt(purpose Purpose, secret EncryptedSecret) ([]byte, error) {
	aead, ok := v.aeads[purpose]
	if !ok {
		return nil, ErrUnknownPurpose
	}

	nonce, err := base64.StdEncoding.DecodeString(secret.IV)
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrMalformedSecret
	}
	ct, err := base64.StdEncoding.DecodeString(secret.Ciphertext)
	if err != nil {
		return nil, ErrMalformedSecret
	}
	tag, err := base64.StdEncoding.DecodeString(secret.AuthTag)
	if err != nil || len(tag) != tagSize {
		return nil, ErrMalformedSecret
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, []byte(purpose.String()))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// EncryptString is Encrypt for string values.
func (v *Vault) EncryptString(purpose Purpose, plaintext string) (EncryptedSecret, error) {
	return v.Encrypt(purpose, []byte(plaintext))
}

// DecryptString is Decrypt for string values.
func (v *Vault) DecryptString(purpose Purpose, secret EncryptedSecret) (string, error) {
	b, err := v.Decrypt(purpose, secret)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SealJSON marshals value and seals it under the payload key, returning a
// single URL-safe token.
func (v *Vault) SealJSON(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("vault: marshal payload: %w", err)
	}
	secret, err := v.Encrypt(PurposePayload, raw)
	if err != nil {
		return "", err
	}
	packed, err := json.Marshal(secret)
	if err != nil {
		return "", fmt.Errorf("vault: marshal secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(packed), nil
}

// OpenJSON reverses SealJSON into dst.
func (v *Vault) OpenJSON(token string, dst any) error {
	packed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrMalformedSecret
	}
	var secret EncryptedSecret
	if err := json.Unmarshal(packed, &secret); err != nil {
		return ErrMalformedSecret
	}
	raw, err := v.Decrypt(PurposePayload, secret)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("vault: unmarshal payload: %w", err)
	}
	return nil
}

// SigningKey returns a MAC key derived from the payload slot for the given label.
func (v *Vault) SigningKey(label string) []byte {
	key, err := derive(v.payload, "calsync/sign/"+label)
	if err != nil {
		// hkdf only fails when asked for more than 255*32 bytes.
		panic(err)
	}
	return key
}

func derive(secret []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return out, nil
}
