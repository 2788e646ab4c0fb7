// Package crypto implements the security layer for room chat.
// A room's symmetric key is derived from its name and password with
// PBKDF2-HMAC-SHA256, and message payloads are sealed with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize    = 32
	SaltSize   = 16
	NonceSize  = 12
	Iterations = 65536
)

var (
	// ErrDecryptFailed is returned when GCM tag verification fails.
	ErrDecryptFailed = errors.New("decryption failed")
	// ErrCiphertextShort is returned when an envelope is too short to
	// even contain a nonce.
	ErrCiphertextShort = errors.New("ciphertext too short")
)

// RoomKey is the symmetric key bound to one (room, password) pair.
type RoomKey struct {
	Room string
	key  []byte
}

// DeriveRoomKey derives a 256-bit key from the room password. The salt is
// built deterministically from the room name so that two parties who agree
// on a room name and password derive the same key without exchanging a
// salt. The trade-off: the salt is not secret, so room names should not be
// reused across deployments that need rainbow-table resistance.
func DeriveRoomKey(room, password string) (*RoomKey, error) {
	if room == "" {
		return nil, fmt.Errorf("derive room key: empty room name")
	}
	if password == "" {
		return nil, fmt.Errorf("derive room key: empty password")
	}

	key := pbkdf2.Key([]byte(password), roomSalt(room), Iterations, KeySize, sha256.New)
	return &RoomKey{Room: room, key: key}, nil
}

// roomSalt is the first SaltSize bytes of the UTF-8 room name, zero padded.
func roomSalt(room string) []byte {
	salt := make([]byte, SaltSize)
	copy(salt, room)
	return salt
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce and
// returns base64(nonce || ciphertext || tag).
func Encrypt(plaintext []byte, key *RoomKey) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails closed: no plaintext is released on a
// truncated envelope or a tag mismatch.
func Decrypt(envelope string, key *RoomKey) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(raw) < gcm.NonceSize() {
		return nil, ErrCiphertextShort
	}

	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

func newGCM(key *RoomKey) (cipher.AEAD, error) {
	if key == nil || len(key.key) != KeySize {
		return nil, fmt.Errorf("no room key derived")
	}
	block, err := aes.NewCipher(key.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
