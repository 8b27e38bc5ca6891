package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/icechat/core/internal/crdt"
	"github.com/icechat/core/internal/identity"
	"github.com/icechat/core/internal/patch"
)

// Contact is a peer's published display name, keyed by certificate.
type Contact struct {
	Cert  identity.Cert
	Name  string
	Stamp crdt.Writable
}

// Conversation is a group chat's shared metadata plus its member list.
type Conversation struct {
	ID      uuid.UUID
	Title   string
	Stamp   crdt.Writable
	Members []Contact
}

// Message is a chat message joined with its independent status sub-stamp.
type Message struct {
	ID           uuid.UUID
	From         identity.Cert
	Conversation uuid.UUID
	Text         string
	Attachment   *uuid.UUID
	Status       patch.Status
	ContentStamp crdt.WritableSequence
	StatusStamp  crdt.Writable
}

// ChannelInfo describes a replication channel: which conversation it
// carries, which peer it talks to, and its persisted cursor.
type ChannelInfo struct {
	ID           int64
	Conversation uuid.UUID
	Peer         identity.Cert
	SyncIndex    int32
}

// EnsureLocal records the node's own identity exactly once: a key row for
// its certificate plus the local table's private seed. Subsequent calls
// with the same certificate are no-ops.
func (s *Store) EnsureLocal(cert identity.Cert, private []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: ensure local: begin: %w", err)
	}
	defer tx.Rollback()

	keyID, err := getOrCreateKeyRow(tx, cert)
	if err != nil {
		return fmt.Errorf("store: ensure local: key: %w", err)
	}

	var existing int64
	err = tx.QueryRow(`SELECT key FROM local LIMIT 1`).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(`INSERT INTO local (key, private) VALUES (?, ?)`, keyID, private); err != nil {
			return fmt.Errorf("store: ensure local: insert: %w", err)
		}
	case err != nil:
		return fmt.Errorf("store: ensure local: query: %w", err)
	}

	return tx.Commit()
}

// getOrCreateKeyRow returns the row id for cert, inserting a new row if
// this certificate hasn't been seen before.
func getOrCreateKeyRow(tx *sql.Tx, cert identity.Cert) (int64, error) {
	if len(cert) != 32 {
		return 0, ErrBadKey
	}

	var id int64
	err := tx.QueryRow(`SELECT id FROM key WHERE public = ?`, certKey(cert)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	res, err := tx.Exec(`INSERT INTO key (public) VALUES (?)`, certKey(cert))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// getOrCreateContactRow ensures a contact placeholder row exists for cert,
// returning its key row id. A freshly created placeholder carries the zero
// stamp so a later Contact patch can merge into it.
func getOrCreateContactRow(tx *sql.Tx, cert identity.Cert) (int64, error) {
	keyID, err := getOrCreateKeyRow(tx, cert)
	if err != nil {
		return 0, err
	}

	var exists int64
	err = tx.QueryRow(`SELECT key FROM contact WHERE key = ?`, keyID).Scan(&exists)
	if err == nil {
		return keyID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	if _, err := tx.Exec(`INSERT INTO contact (key, name, crdt_gen, crdt_author) VALUES (?, '', 0, 0)`, keyID); err != nil {
		return 0, err
	}
	return keyID, nil
}

// getOrCreateConversationRow ensures a conversation placeholder row exists
// for id, returning its internal row id.
func getOrCreateConversationRow(tx *sql.Tx, id uuid.UUID) (int64, error) {
	rowID, ok, err := findConversationRow(tx, id)
	if err != nil {
		return 0, err
	}
	if ok {
		return rowID, nil
	}

	w0, w1, w2, w3 := splitUUID(id)
	res, err := tx.Exec(`INSERT INTO conversation (uuid0, uuid1, uuid2, uuid3, title, crdt_gen, crdt_author)
		VALUES (?, ?, ?, ?, '', 0, 0)`, w0, w1, w2, w3)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func findConversationRow(tx *sql.Tx, id uuid.UUID) (int64, bool, error) {
	w0, w1, w2, w3 := splitUUID(id)
	var rowID int64
	err := tx.QueryRow(`SELECT id FROM conversation WHERE uuid0=? AND uuid1=? AND uuid2=? AND uuid3=?`,
		w0, w1, w2, w3).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rowID, true, nil
}

// GetContact returns the contact published under cert, if any.
func (s *Store) GetContact(cert identity.Cert) (*Contact, error) {
	row := s.db.QueryRow(`SELECT c.name, c.crdt_gen, c.crdt_author
		FROM contact c JOIN key k ON k.id = c.key
		WHERE k.public = ?`, certKey(cert))

	var name string
	var gen, author int32
	if err := row.Scan(&name, &gen, &author); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get contact: %w", err)
	}

	return &Contact{Cert: cert, Name: name, Stamp: crdt.Writable{Generation: gen, Author: identity.Author(author)}}, nil
}

// GetConversation returns the conversation by UUID, with its member list,
// if it exists.
func (s *Store) GetConversation(id uuid.UUID) (*Conversation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	conv, err := loadConversation(tx, id)
	if err != nil {
		return nil, err
	}
	return conv, tx.Commit()
}

func loadConversation(tx *sql.Tx, id uuid.UUID) (*Conversation, error) {
	rowID, ok, err := findConversationRow(tx, id)
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var title string
	var gen, author int32
	err = tx.QueryRow(`SELECT title, crdt_gen, crdt_author FROM conversation WHERE id = ?`, rowID).
		Scan(&title, &gen, &author)
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}

	members, err := loadMembers(tx, rowID)
	if err != nil {
		return nil, err
	}

	return &Conversation{
		ID:      id,
		Title:   title,
		Stamp:   crdt.Writable{Generation: gen, Author: identity.Author(author)},
		Members: members,
	}, nil
}

func loadMembers(tx *sql.Tx, conversationRowID int64) ([]Contact, error) {
	rows, err := tx.Query(`SELECT k.public, c.name, c.crdt_gen, c.crdt_author
		FROM member m
		JOIN contact c ON c.key = m.contact
		JOIN key k ON k.id = c.key
		WHERE m.conversation = ?`, conversationRowID)
	if err != nil {
		return nil, fmt.Errorf("store: load members: %w", err)
	}
	defer rows.Close()

	var members []Contact
	for rows.Next() {
		var pub []byte
		var name string
		var gen, author int32
		if err := rows.Scan(&pub, &name, &gen, &author); err != nil {
			return nil, err
		}
		var cert identity.Cert
		copy(cert[:], pub)
		members = append(members, Contact{Cert: cert, Name: name, Stamp: crdt.Writable{Generation: gen, Author: identity.Author(author)}})
	}
	return members, rows.Err()
}

// ListConversations returns every conversation known to the store.
func (s *Store) ListConversations() ([]Conversation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT uuid0, uuid1, uuid2, uuid3 FROM conversation`)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var w0, w1, w2, w3 int32
		if err := rows.Scan(&w0, &w1, &w2, &w3); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, joinUUID(w0, w1, w2, w3))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convs := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := loadConversation(tx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			convs = append(convs, *c)
		}
	}
	return convs, tx.Commit()
}

// ListChannels returns every replication channel carrying conversation.
func (s *Store) ListChannels(conversation uuid.UUID) ([]ChannelInfo, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	convRowID, ok, err := findConversationRow(tx, conversation)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	rows, err := tx.Query(`SELECT ch.id, k.public, ch.sync_index
		FROM channel ch JOIN key k ON k.id = ch.peer
		WHERE ch.conversation = ?`, convRowID)
	if err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelInfo
	for rows.Next() {
		var id int64
		var pub []byte
		var syncIndex int32
		if err := rows.Scan(&id, &pub, &syncIndex); err != nil {
			return nil, err
		}
		var cert identity.Cert
		copy(cert[:], pub)
		out = append(out, ChannelInfo{ID: id, Conversation: conversation, Peer: cert, SyncIndex: syncIndex})
	}
	return out, rows.Err()
}

// ListAllChannels returns every replication channel across every
// conversation, for the hub to reconcile its in-memory session set
// against on every cycle.
func (s *Store) ListAllChannels() ([]ChannelInfo, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT ch.id, c.uuid0, c.uuid1, c.uuid2, c.uuid3, k.public, ch.sync_index
		FROM channel ch
		JOIN conversation c ON c.id = ch.conversation
		JOIN key k ON k.id = ch.peer`)
	if err != nil {
		return nil, fmt.Errorf("store: list all channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelInfo
	for rows.Next() {
		var id int64
		var w0, w1, w2, w3 int32
		var pub []byte
		var syncIndex int32
		if err := rows.Scan(&id, &w0, &w1, &w2, &w3, &pub, &syncIndex); err != nil {
			return nil, err
		}
		var cert identity.Cert
		copy(cert[:], pub)
		out = append(out, ChannelInfo{
			ID:           id,
			Conversation: joinUUID(w0, w1, w2, w3),
			Peer:         cert,
			SyncIndex:    syncIndex,
		})
	}
	return out, rows.Err()
}
