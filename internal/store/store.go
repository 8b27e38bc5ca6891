// Package store is the SQLite-backed entity store: the durable relational
// tables for keys, contacts, conversations, members, messages and
// attachments, the append-only sync/initial_sync logs, and the channel
// table recording each peer's replication cursor. It implements both the
// store contract spec.md §6 describes and internal/sync's Source interface.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/icechat/core/internal/identity"
	"github.com/icechat/core/pkg/logging"
)

// Store is the entity store for one local database file.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema. Mirrors the teacher's storage.New connection posture: WAL
// journal mode, NORMAL synchronous, a single writer connection since SQLite
// only supports one writer at a time.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, log: logging.GetDefault().Component("store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS key (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	public BLOB NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS local (
	key     INTEGER PRIMARY KEY REFERENCES key(id),
	private BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS contact (
	key        INTEGER PRIMARY KEY REFERENCES key(id),
	name       TEXT NOT NULL DEFAULT '',
	crdt_gen    INTEGER NOT NULL DEFAULT 0,
	crdt_author INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS conversation (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid0       INTEGER NOT NULL,
	uuid1       INTEGER NOT NULL,
	uuid2       INTEGER NOT NULL,
	uuid3       INTEGER NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	crdt_gen    INTEGER NOT NULL DEFAULT 0,
	crdt_author INTEGER NOT NULL DEFAULT 0,
	UNIQUE (uuid0, uuid1, uuid2, uuid3)
);

CREATE TABLE IF NOT EXISTS member (
	contact      INTEGER NOT NULL REFERENCES key(id),
	conversation INTEGER NOT NULL REFERENCES conversation(id),
	crdt_author  INTEGER NOT NULL,
	PRIMARY KEY (contact, conversation)
);

CREATE TABLE IF NOT EXISTS message (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid0              INTEGER NOT NULL,
	uuid1              INTEGER NOT NULL,
	uuid2              INTEGER NOT NULL,
	uuid3              INTEGER NOT NULL,
	status             INTEGER NOT NULL DEFAULT 0,
	from_key           INTEGER NOT NULL REFERENCES key(id),
	conversation       INTEGER NOT NULL REFERENCES conversation(id),
	text               TEXT NOT NULL DEFAULT '',
	attachment0        INTEGER,
	attachment1        INTEGER,
	attachment2        INTEGER,
	attachment3        INTEGER,
	has_attachment     INTEGER NOT NULL DEFAULT 0,
	crdt_gen           INTEGER NOT NULL DEFAULT 0,
	crdt_author        INTEGER NOT NULL DEFAULT 0,
	status_crdt_gen    INTEGER NOT NULL DEFAULT 0,
	status_crdt_author INTEGER NOT NULL DEFAULT 0,
	crdt_sequence      INTEGER NOT NULL DEFAULT 0,
	UNIQUE (uuid0, uuid1, uuid2, uuid3)
);

CREATE INDEX IF NOT EXISTS idx_message_conversation_sequence
	ON message(conversation, crdt_sequence, crdt_author);

CREATE TABLE IF NOT EXISTS attachment (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid0        INTEGER NOT NULL,
	uuid1        INTEGER NOT NULL,
	uuid2        INTEGER NOT NULL,
	uuid3        INTEGER NOT NULL,
	conversation INTEGER NOT NULL REFERENCES conversation(id),
	payload      BLOB,
	crdt_author  INTEGER NOT NULL,
	UNIQUE (uuid0, uuid1, uuid2, uuid3)
);

CREATE TABLE IF NOT EXISTS channel (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation INTEGER NOT NULL REFERENCES conversation(id),
	peer         INTEGER NOT NULL REFERENCES key(id),
	sync_index   INTEGER NOT NULL DEFAULT 0,
	UNIQUE (conversation, peer)
);

CREATE TABLE IF NOT EXISTS sync (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	payload BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS initial_sync (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	channel INTEGER NOT NULL REFERENCES channel(id),
	payload BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_initial_sync_channel ON initial_sync(channel, id);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}

func certKey(cert identity.Cert) []byte {
	b := make([]byte, len(cert))
	copy(b, cert[:])
	return b
}
