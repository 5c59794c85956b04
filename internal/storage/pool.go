// Package storage implements the encrypted storage pool state machine
// (spec §4.1): Uninitialized -> Sealed -> Unsealed over a SQLCipher-style
// encrypted SQLite file.
package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/covertsh/covert/internal/coverterr"
)

// State is one of the pool's three lifecycle states.
type State int

const (
	Uninitialized State = iota
	Sealed
	Unsealed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Sealed:
		return "sealed"
	case Unsealed:
		return "unsealed"
	default:
		return "unknown"
	}
}

const masterKeyLength = 50

const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const alpha = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Pool owns the connection to the encrypted SQLite file and the state
// machine governing access to it. Readers may use it concurrently; state
// transitions (initialize/unseal/seal) take the exclusive side of mu.
type Pool struct {
	mu    sync.RWMutex
	state State
	path  string
	db    *sql.DB
}

// New returns an Uninitialized pool bound to a database file at path. If the
// file already exists on disk the pool starts life Sealed instead, per
// spec §4.1.
func New(path string) (*Pool, error) {
	p := &Pool{path: path, state: Uninitialized}
	if _, err := os.Stat(path); err == nil {
		p.state = Sealed
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat storage file: %w", err)
	}
	return p, nil
}

// NewForTest returns an Unsealed pool backed by a temporary file, for use in
// package tests that need a live encrypted pool without going through the
// full initialize/unseal protocol.
func NewForTest(dir string) (*Pool, func(), error) {
	path := filepath.Join(dir, "covert-test.db")
	p := &Pool{path: path, state: Uninitialized}
	key, err := p.Initialize()
	if err != nil {
		return nil, nil, err
	}
	if err := p.Unseal(key); err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		p.Seal()
		os.Remove(path)
	}
	return p, cleanup, nil
}

// State returns the pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// GenerateMasterKey returns a fresh random key of at least 50 alphanumeric
// characters that does not start with a digit (the cipher rejects
// digit-leading keys).
func GenerateMasterKey() (string, error) {
	b := make([]byte, masterKeyLength)
	first, err := randChar(alpha)
	if err != nil {
		return "", err
	}
	b[0] = first
	for i := 1; i < masterKeyLength; i++ {
		c, err := randChar(alnum)
		if err != nil {
			return "", err
		}
		b[i] = c
	}
	return string(b), nil
}

func randChar(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, err
	}
	return alphabet[n.Int64()], nil
}

// Initialize transitions Uninitialized -> Sealed. If the backing file does
// not yet exist, a fresh master key is generated, the file is created, and
// the key is returned to the caller to split via Shamir. If the file
// already exists, the pool simply transitions to Sealed and no key is
// returned.
func (p *Pool) Initialize() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Uninitialized {
		return "", coverterr.New(coverterr.KindForbiddenState, "pool is not uninitialized")
	}

	if _, err := os.Stat(p.path); err == nil {
		p.state = Sealed
		return "", nil
	}

	key, err := GenerateMasterKey()
	if err != nil {
		return "", coverterr.Wrap(coverterr.KindInternal, "generating master key", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return "", coverterr.Wrap(coverterr.KindInternal, "creating storage directory", err)
	}

	db, err := sql.Open("sqlite3", dsn(p.path, key))
	if err != nil {
		return "", coverterr.Wrap(coverterr.KindInternal, "creating storage file", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		os.Remove(p.path)
		return "", coverterr.Wrap(coverterr.KindInternal, "creating storage file", err)
	}
	db.Close()

	p.state = Sealed
	return key, nil
}

// Unseal transitions Sealed -> Unsealed by opening the pool with masterKey
// and running a probe query. On failure the pool remains Sealed.
func (p *Pool) Unseal(masterKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Sealed {
		return coverterr.New(coverterr.KindForbiddenState, "pool is not sealed")
	}

	db, err := sql.Open("sqlite3", dsn(p.path, masterKey))
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "opening storage pool", err)
	}

	if _, err := db.Exec("SELECT 1"); err != nil {
		db.Close()
		return coverterr.Wrap(coverterr.KindUnauthorized, "incorrect master key", err)
	}

	p.db = db
	p.state = Unsealed
	return nil
}

// Seal transitions Unsealed -> Sealed, closing the pool.
func (p *Pool) Seal() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Unsealed {
		return nil
	}
	if p.db != nil {
		_ = p.db.Close()
		p.db = nil
	}
	p.state = Sealed
	return nil
}

// DB returns the underlying *sql.DB, or a KindForbiddenState error if not
// Unsealed.
func (p *Pool) DB() (*sql.DB, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != Unsealed || p.db == nil {
		return nil, coverterr.New(coverterr.KindForbiddenState, "pool is not unsealed")
	}
	return p.db, nil
}

// BeginTx starts a transaction against the pool, failing with
// KindForbiddenState if not Unsealed.
func (p *Pool) BeginTx(ctx context.Context) (*sql.Tx, error) {
	db, err := p.DB()
	if err != nil {
		return nil, err
	}
	return db.BeginTx(ctx, nil)
}

// TablesWithPrefix returns the names of every table in sqlite_master whose
// name begins with prefix, grounded on covert-server's sqlite.rs helper
// that lists resources by prefix before a mount is torn down.
func (p *Pool) TablesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	db, err := p.DB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ?",
		prefix+"%")
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "listing tables", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, coverterr.Wrap(coverterr.KindInternal, "scanning table name", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DropTable drops a single table by its exact (already prefixed) name.
func (p *Pool) DropTable(ctx context.Context, name string) error {
	db, err := p.DB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", name)); err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "dropping table", err)
	}
	return nil
}

// dsn builds the SQLite DSN carrying the SQLCipher-style encryption key as
// a connection parameter, the shape github.com/mattn/go-sqlite3 exposes for
// builds compiled against a cipher-enabled libsqlite3.
func dsn(path, key string) string {
	return fmt.Sprintf("file:%s?_key=%s&_foreign_keys=on", path, key)
}
