package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/covertsh/covert/internal/coverterr"
)

// OpenSealDB opens (creating if necessary) the unencrypted companion SQLite
// file holding seal configuration and in-progress key shares, per spec
// §6.3. Unlike the main pool this file carries no encryption key and is
// always available, even before initialize.
func OpenSealDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "creating seal storage directory", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path))
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "opening seal database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, coverterr.Wrap(coverterr.KindInternal, "opening seal database", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS seal_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	shares INTEGER NOT NULL,
	threshold INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS key_shares (
	id TEXT PRIMARY KEY,
	nonce BLOB NOT NULL,
	ciphertext BLOB NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, coverterr.Wrap(coverterr.KindInternal, "creating seal schema", err)
	}

	return db, nil
}
