package fieldsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionNonceSize is the nonce size for AES-GCM.
	EncryptionNonceSize = 12
	// EncryptionSaltSize is the salt size for key derivation.
	EncryptionSaltSize = 32
	// EncryptionKeySize is the AES-256 key size.
	EncryptionKeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
)

var magicEncrypted = [4]byte{'F', 'S', 'N', 'C'}

const encryptedHeaderSize = 4 + 1 + EncryptionSaltSize

// EncryptionConfig configures encryption of the durable queue snapshot.
// Field data sits on shared devices in the field; the snapshot holds full
// entity payloads and must not be readable off a lost device.
type EncryptionConfig struct {
	// Enabled turns on snapshot encryption.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Key is the encryption key (must be 32 bytes for AES-256). If empty,
	// KeyPassword is used to derive a key per snapshot.
	Key []byte `json:"-" yaml:"-"`
	// KeyPassword derives the encryption key via PBKDF2 with a salt stored
	// in the snapshot header.
	KeyPassword string `json:"-" yaml:"-"`
}

// Encryptor encrypts and decrypts snapshot files. Each encrypted blob
// carries a header with the key-derivation salt so a restarted process can
// decrypt snapshots written by a previous run.
type Encryptor struct {
	key      []byte
	password string
}

// NewEncryptor creates a new encryptor from a key or password.
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Key) > 0 {
		if len(cfg.Key) != EncryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		return &Encryptor{key: cfg.Key}, nil
	}
	if cfg.KeyPassword != "" {
		return &Encryptor{password: cfg.KeyPassword}, nil
	}
	return nil, errors.New("encryption enabled but no key or password provided")
}

// Encrypt encrypts plaintext and returns header + nonce + ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, EncryptionSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, EncryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, encryptedHeaderSize+EncryptionNonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, magicEncrypted[:]...)
	out = append(out, 1) // header version
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt decrypts a blob produced by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < encryptedHeaderSize+EncryptionNonceSize {
		return nil, errors.New("encrypted snapshot too short")
	}
	if [4]byte(data[:4]) != magicEncrypted {
		return nil, errors.New("invalid encrypted snapshot magic")
	}

	salt := data[5:encryptedHeaderSize]
	nonce := data[encryptedHeaderSize : encryptedHeaderSize+EncryptionNonceSize]
	ciphertext := data[encryptedHeaderSize+EncryptionNonceSize:]

	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (e *Encryptor) aead(salt []byte) (cipher.AEAD, error) {
	key := e.key
	if len(key) == 0 {
		key = pbkdf2.Key([]byte(e.password), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
