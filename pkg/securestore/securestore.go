// Package securestore is the encryption layer wrapping the physical
// storage medium.
//
// It exclusively owns the encrypted log segment for one device+user
// pairing: the SQLite file handle and the AEAD used to seal every
// persisted record. The data key is derived per pairing with
// HKDF-SHA256 from caller-supplied key material and is never persisted
// alongside the data it protects.
package securestore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	_ "modernc.org/sqlite"
)

var (
	// ErrStoreBusy is returned by Wipe while handles are still in use.
	// Wiping under an in-flight append or sync would silently corrupt;
	// callers must drain and close first.
	ErrStoreBusy = errors.New("securestore: store busy")

	// ErrStoreClosed is returned by operations on a closed or wiped store.
	ErrStoreClosed = errors.New("securestore: store closed")

	// ErrInvalidCiphertext is returned when a sealed record fails
	// authentication or is malformed.
	ErrInvalidCiphertext = errors.New("securestore: invalid ciphertext")

	// ErrKeyMaterial is returned for missing or undersized key material.
	ErrKeyMaterial = errors.New("securestore: invalid key material")
)

const kdfInfoPrefix = "diarystore:v1:"

// Store is an open handle on one encrypted segment.
type Store struct {
	mu       sync.Mutex
	path     string
	deviceID string
	userID   string
	aead     cipher.AEAD
	db       *sql.DB
	inflight int
	closed   bool
}

// Open derives the pairing key and opens the segment for deviceID+userID
// under dir, creating it if absent. The segment file name is derived
// from the pairing, one segment per device+user.
func Open(dir, deviceID, userID string, keyMaterial []byte) (*Store, error) {
	if len(keyMaterial) < 16 {
		return nil, ErrKeyMaterial
	}
	if deviceID == "" || userID == "" {
		return nil, fmt.Errorf("securestore: device and user ids required")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, keyMaterial, nil, []byte(kdfInfoPrefix+deviceID+":"+userID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("securestore: key derivation failed: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("securestore: aead init failed: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("securestore: create storage dir: %w", err)
	}
	path := filepath.Join(dir, segmentName(deviceID, userID))

	// FULL synchronous so a successful append is fsync-durable.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("securestore: open segment: %w", err)
	}
	// The log's append mutex is the real serialization point; a single
	// connection keeps SQLite from interleaving writers underneath it.
	db.SetMaxOpenConns(1)

	return &Store{
		path:     path,
		deviceID: deviceID,
		userID:   userID,
		aead:     aead,
		db:       db,
	}, nil
}

func segmentName(deviceID, userID string) string {
	h := sha256.Sum256([]byte(deviceID + ":" + userID))
	return fmt.Sprintf("diary-%x.db", h[:8])
}

// DB exposes the segment handle to the log and outbox. Callers bracket
// every operation with Acquire/Release so Wipe can refuse while work is
// in flight.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the segment file path.
func (s *Store) Path() string { return s.path }

// DeviceID returns the device half of the pairing.
func (s *Store) DeviceID() string { return s.deviceID }

// UserID returns the user half of the pairing.
func (s *Store) UserID() string { return s.userID }

// Acquire marks an operation in flight.
func (s *Store) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.inflight++
	return nil
}

// Release marks an operation complete.
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		s.inflight--
	}
}

// Seal encrypts plaintext with a random nonce prefix.
func (s *Store) Seal(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	aead := s.aead
	s.mu.Unlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("securestore: nonce generation failed: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenSealed authenticates and decrypts a record produced by Seal.
func (s *Store) OpenSealed(sealed []byte) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	aead := s.aead
	s.mu.Unlock()

	if len(sealed) < aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// Close releases the segment handle without destroying data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.inflight > 0 {
		return ErrStoreBusy
	}
	s.closed = true
	return s.db.Close()
}

// Wipe irreversibly destroys the local segment, for account reset or
// logout. It fails loudly rather than leaving orphaned encrypted files
// if any operation is still in flight.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if s.inflight > 0 {
		return ErrStoreBusy
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("securestore: close before wipe: %w", err)
	}
	s.closed = true

	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("securestore: wipe %s: %w", p, err)
		}
	}
	return nil
}
