package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	_ "embed"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

//go:embed schema.sql
var schemaSQL string

// ErrWrongPassphrase is returned by Open when the passphrase does not unlock
// an existing key file.
var ErrWrongPassphrase = errors.New("keystore: wrong passphrase")

const (
	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 1
	saltSize     = 16

	verifierName  = "verifier"
	verifierPlain = "nexus-keystore-v1"
)

// SQLiteStore is a Store persisted in a SQLite file readable only by the
// owning user. Each value is sealed with AES-256-GCM under a key derived from
// the passphrase with argon2id, bound to its name as additional data.
type SQLiteStore struct {
	db   *sql.DB
	aead cipher.AEAD
}

var _ Store = (*SQLiteStore)(nil)

// Open creates or opens the key file at path and unlocks it with passphrase.
func Open(path, passphrase string) (*SQLiteStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "keystore.Open.Create")
	}
	_ = f.Close()
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, errors.Wrap(err, "keystore.Open.Chmod")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "keystore.Open")
	}
	// One connection keeps writers serialized and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s, err := initialize(db, passphrase)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func initialize(db *sql.DB, passphrase string) (*SQLiteStore, error) {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, errors.Wrapf(err, "keystore.Open: %s", pragma)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, errors.Wrap(err, "keystore.Open.Schema")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "keystore.Open.Salt")
	}
	if _, err := db.Exec(`INSERT INTO keystore_meta (name, value) VALUES ('salt', ?) ON CONFLICT(name) DO NOTHING`, salt); err != nil {
		return nil, errors.Wrap(err, "keystore.Open.Salt")
	}
	if err := db.QueryRow(`SELECT value FROM keystore_meta WHERE name = 'salt'`).Scan(&salt); err != nil {
		return nil, errors.Wrap(err, "keystore.Open.Salt")
	}

	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "keystore.Open.Cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "keystore.Open.Cipher")
	}
	s := &SQLiteStore{db: db, aead: aead}

	verifier, err := s.seal(verifierName, []byte(verifierPlain))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`INSERT INTO keystore_meta (name, value) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`, verifierName, verifier); err != nil {
		return nil, errors.Wrap(err, "keystore.Open.Verifier")
	}
	if err := db.QueryRow(`SELECT value FROM keystore_meta WHERE name = ?`, verifierName).Scan(&verifier); err != nil {
		return nil, errors.Wrap(err, "keystore.Open.Verifier")
	}
	if plain, err := s.open(verifierName, verifier); err != nil || string(plain) != verifierPlain {
		return nil, ErrWrongPassphrase
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) seal(name string, plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "keystore.seal")
	}
	return s.aead.Seal(nonce, nonce, plain, []byte(name)), nil
}

func (s *SQLiteStore) open(name string, sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("keystore: sealed value too short")
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(name))
	if err != nil {
		return nil, errors.Wrap(err, "keystore.open")
	}
	return plain, nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT sealed FROM keys WHERE name = ?`, name).Scan(&sealed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "keystore.SQLiteStore.Get")
	}
	return s.open(name, sealed)
}

func (s *SQLiteStore) Set(ctx context.Context, name string, value []byte) error {
	sealed, err := s.seal(name, value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO keys (name, sealed) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET sealed = excluded.sealed
	`, name, sealed)
	return errors.Wrap(err, "keystore.SQLiteStore.Set")
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM keys WHERE name = ?`, name)
	return errors.Wrap(err, "keystore.SQLiteStore.Delete")
}

func (s *SQLiteStore) CreateIfAbsent(ctx context.Context, name string, value []byte) ([]byte, error) {
	sealed, err := s.seal(name, value)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO keys (name, sealed) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, sealed); err != nil {
		return nil, errors.Wrap(err, "keystore.SQLiteStore.CreateIfAbsent")
	}
	return s.Get(ctx, name)
}
