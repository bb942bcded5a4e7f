package clock

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4
)

// ErrNoSecret is returned when no device secret is available to protect
// the anchor file. The clock must then run permanently untrusted rather
// than fall back to plaintext storage.
var ErrNoSecret = errors.New("no anchor store secret")

// Anchor pairs a server-observed timestamp with the local monotonic
// reading taken at the moment it was observed.
type Anchor struct {
	ServerTime time.Time     `json:"server_time"`
	Monotonic  time.Duration `json:"monotonic"`
}

// AnchorStore persists the time anchor encrypted with AES-256-GCM under
// an Argon2id-derived key. File format: [16-byte salt][12-byte nonce][ciphertext].
// Any tampering with the file fails GCM authentication on load.
type AnchorStore struct {
	path   string
	secret string
}

// NewAnchorStore creates a store writing to path, keyed by the device
// secret. An empty secret is refused: callers must treat that as a
// permanently untrusted clock, never downgrade to an unprotected medium.
func NewAnchorStore(path, secret string) (*AnchorStore, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &AnchorStore{path: path, secret: secret}, nil
}

// Save encrypts and atomically replaces the persisted anchor.
func (s *AnchorStore) Save(a Anchor) error {
	plaintext, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal anchor: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := s.newGCM(salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return fmt.Errorf("write anchor file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace anchor file: %w", err)
	}
	return nil
}

// Load reads and decrypts the persisted anchor. A missing file returns
// (nil, nil); a corrupt or tampered file returns an error.
func (s *AnchorStore) Load() (*Anchor, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read anchor file: %w", err)
	}
	if len(data) < saltSize+nonceSize {
		return nil, fmt.Errorf("anchor file truncated: %d bytes", len(data))
	}

	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	gcm, err := s.newGCM(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt anchor: %w", err)
	}

	var a Anchor
	if err := json.Unmarshal(plaintext, &a); err != nil {
		return nil, fmt.Errorf("unmarshal anchor: %w", err)
	}
	return &a, nil
}

func (s *AnchorStore) newGCM(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(s.secret), salt, argonTime, argonMem, argonPar, keySize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
