package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/icechat/core/internal/crdt"
	"github.com/icechat/core/internal/identity"
	"github.com/icechat/core/internal/patch"
)

// newPatch is the path every locally originated write takes: it merges the
// patch into this store's own tables exactly as an inbound one would (so
// local and remote writes obey the identical total-order rule), then
// appends it to the global sync log for replication to every channel.
func (s *Store) newPatch(p patch.Patch) (patch.SyncDataID, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return patch.SyncDataID{}, err
	}
	defer tx.Rollback()

	if _, err := mergeTx(tx, p); err != nil {
		return patch.SyncDataID{}, fmt.Errorf("store: new patch: merge: %w", err)
	}

	id, err := appendSyncRow(tx, p)
	if err != nil {
		return patch.SyncDataID{}, fmt.Errorf("store: new patch: append: %w", err)
	}

	return id, tx.Commit()
}

func appendSyncRow(tx *sql.Tx, p patch.Patch) (patch.SyncDataID, error) {
	payload, err := p.MarshalBinary()
	if err != nil {
		return patch.SyncDataID{}, err
	}
	res, err := tx.Exec(`INSERT INTO sync (payload) VALUES (?)`, payload)
	if err != nil {
		return patch.SyncDataID{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return patch.SyncDataID{}, err
	}
	return patch.Global(int32(id)), nil
}

// SaveContact publishes this node's own display name, or that of a known
// peer, advancing its Writable generation by the given author.
func (s *Store) SaveContact(cert identity.Cert, name string, author identity.Author) (patch.SyncDataID, error) {
	existing, err := s.GetContact(cert)
	if err != nil {
		return patch.SyncDataID{}, err
	}

	stamp := crdt.Writable{}
	if existing != nil {
		stamp = existing.Stamp
	}

	return s.newPatch(patch.FromContact(patch.Contact{
		Key:   cert,
		Name:  name,
		Stamp: stamp.Next(author),
	}))
}

// CreateConversation starts a new group chat titled title, owned by author,
// and inserts author as its first member.
func (s *Store) CreateConversation(cert identity.Cert, title string, author identity.Author) (uuid.UUID, error) {
	id := uuid.New()

	if _, err := s.newPatch(patch.FromConversation(patch.Conversation{
		ID:    id,
		Title: title,
		Stamp: crdt.Writable{}.Next(author),
	})); err != nil {
		return uuid.Nil, err
	}

	if _, err := s.newPatch(patch.FromMember(patch.Member{
		Key:          cert,
		Conversation: id,
		Stamp:        crdt.AddOnly{Author: author},
	})); err != nil {
		return uuid.Nil, err
	}

	return id, nil
}

// SaveConversation renames an existing conversation.
func (s *Store) SaveConversation(id uuid.UUID, title string, author identity.Author) error {
	conv, err := s.GetConversation(id)
	if err != nil {
		return err
	}
	if conv == nil {
		return ErrNotFound
	}

	_, err = s.newPatch(patch.FromConversation(patch.Conversation{
		ID:    id,
		Title: title,
		Stamp: conv.Stamp.Next(author),
	}))
	return err
}

// JoinConversation adds cert as a member of an existing conversation,
// typically called when a peer is first linked to it over a new channel.
func (s *Store) JoinConversation(id uuid.UUID, cert identity.Cert, author identity.Author) error {
	_, err := s.newPatch(patch.FromMember(patch.Member{
		Key:          cert,
		Conversation: id,
		Stamp:        crdt.AddOnly{Author: author},
	}))
	return err
}

// SendMessage creates a new text message in conversation, allocating the
// next display sequence number for that conversation.
func (s *Store) SendMessage(conversation uuid.UUID, from identity.Cert, text string, author identity.Author) (uuid.UUID, error) {
	seq, err := s.nextSequence(conversation)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	_, err = s.newPatch(patch.FromNewTextMessage(patch.NewTextMessage{
		ID:           id,
		From:         from,
		Conversation: conversation,
		Text:         text,
		Stamp:        crdt.WritableSequence{Writable: crdt.Writable{}.Next(author), Sequence: seq},
	}))
	return id, err
}

// SendAttachmentMessage creates a new attachment-backed message shell, then
// the Attachment patch carrying its payload.
func (s *Store) SendAttachmentMessage(conversation uuid.UUID, from identity.Cert, text string, payload []byte, author identity.Author) (uuid.UUID, uuid.UUID, error) {
	seq, err := s.nextSequence(conversation)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	msgID := uuid.New()
	attID := uuid.New()

	if _, err := s.newPatch(patch.FromNewAttachmentMessage(patch.NewAttachmentMessage{
		ID:           msgID,
		From:         from,
		Conversation: conversation,
		Text:         text,
		Attachment:   attID,
		Stamp:        crdt.WritableSequence{Writable: crdt.Writable{}.Next(author), Sequence: seq},
	})); err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	if _, err := s.newPatch(patch.FromAttachment(patch.Attachment{
		ID:           attID,
		Conversation: conversation,
		Payload:      payload,
		Stamp:        crdt.AddOnly{Author: author},
	})); err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	return msgID, attID, nil
}

// nextSequence allocates the next per-conversation display sequence, one
// past the highest Sequence seen so far for that conversation.
func (s *Store) nextSequence(conversation uuid.UUID) (int32, error) {
	convRowID, ok, err := findConversationRowPublic(s.db, conversation)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}

	var max sql.NullInt32
	err = s.db.QueryRow(`SELECT MAX(crdt_sequence) FROM message WHERE conversation = ?`, convRowID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int32 + 1, nil
}

func findConversationRowPublic(db *sql.DB, id uuid.UUID) (int64, bool, error) {
	w0, w1, w2, w3 := splitUUID(id)
	var rowID int64
	err := db.QueryRow(`SELECT id FROM conversation WHERE uuid0=? AND uuid1=? AND uuid2=? AND uuid3=?`,
		w0, w1, w2, w3).Scan(&rowID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rowID, true, nil
}

// SetMessageStatus updates a message's delivery/read status. Stamped
// independently from the message's content so this never races a content
// edit to the same message.
func (s *Store) SetMessageStatus(id uuid.UUID, conversation uuid.UUID, status patch.Status, author identity.Author) error {
	existing, err := s.messageStatusStamp(id)
	if err != nil {
		return err
	}

	_, err = s.newPatch(patch.FromMessageStatus(patch.MessageStatus{
		ID:           id,
		Conversation: conversation,
		Status:       status,
		Stamp:        existing.Next(author),
	}))
	return err
}

func (s *Store) messageStatusStamp(id uuid.UUID) (crdt.Writable, error) {
	w0, w1, w2, w3 := splitUUID(id)
	var gen, author int32
	err := s.db.QueryRow(`SELECT status_crdt_gen, status_crdt_author FROM message
		WHERE uuid0=? AND uuid1=? AND uuid2=? AND uuid3=?`, w0, w1, w2, w3).Scan(&gen, &author)
	if err == sql.ErrNoRows {
		return crdt.Writable{}, ErrNotFound
	}
	if err != nil {
		return crdt.Writable{}, err
	}
	return crdt.Writable{Generation: gen, Author: identity.Author(author)}, nil
}

// NewMessages returns messages in conversation sent by someone other than
// self that are still in the Sent state — i.e. not yet acknowledged as
// delivered or read by the local user.
func (s *Store) NewMessages(conversation uuid.UUID, self identity.Cert) ([]Message, error) {
	convRowID, ok, err := findConversationRowPublic(s.db, conversation)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT m.uuid0, m.uuid1, m.uuid2, m.uuid3, k.public, m.text,
		m.attachment0, m.attachment1, m.attachment2, m.attachment3, m.has_attachment,
		m.status, m.crdt_gen, m.crdt_author, m.status_crdt_gen, m.status_crdt_author, m.crdt_sequence
		FROM message m JOIN key k ON k.id = m.from_key
		WHERE m.conversation = ? AND m.status = ? AND k.public != ?
		ORDER BY m.crdt_sequence ASC`,
		convRowID, int32(patch.StatusSent), certKey(self))
	if err != nil {
		return nil, fmt.Errorf("store: new messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var w0, w1, w2, w3 int32
		var fromPub []byte
		var text string
		var a0, a1, a2, a3 int32
		var hasAttachment int
		var status, gen, author, sgen, sauthor, seq int32
		if err := rows.Scan(&w0, &w1, &w2, &w3, &fromPub, &text,
			&a0, &a1, &a2, &a3, &hasAttachment,
			&status, &gen, &author, &sgen, &sauthor, &seq); err != nil {
			return nil, err
		}

		var from identity.Cert
		copy(from[:], fromPub)

		msg := Message{
			ID:           joinUUID(w0, w1, w2, w3),
			From:         from,
			Conversation: conversation,
			Text:         text,
			Status:       patch.Status(status),
			ContentStamp: crdt.WritableSequence{Writable: crdt.Writable{Generation: gen, Author: identity.Author(author)}, Sequence: seq},
			StatusStamp:  crdt.Writable{Generation: sgen, Author: identity.Author(sauthor)},
		}
		if hasAttachment != 0 {
			att := joinUUID(a0, a1, a2, a3)
			msg.Attachment = &att
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// CreateChannel opens a new replication channel to peer for conversation:
// it records peer as a member (an AddOnly patch, so a duplicate call from
// the other side is harmless), creates the channel row with its sync_index
// seeded to the current tip of the global log (so it only replicates
// patches from here forward over the shared log), and seeds the channel's
// private initial-sync snapshot queue with everything the peer needs to
// catch up: the conversation's own patch, every contact, every member, and
// each message's content and status pair, in that order.
func (s *Store) CreateChannel(conversation uuid.UUID, peer identity.Cert, author identity.Author) (ChannelInfo, error) {
	if err := s.JoinConversation(conversation, peer, author); err != nil {
		return ChannelInfo{}, fmt.Errorf("store: create channel: join: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return ChannelInfo{}, err
	}
	defer tx.Rollback()

	convRowID, ok, err := findConversationRow(tx, conversation)
	if err != nil {
		return ChannelInfo{}, err
	}
	if !ok {
		return ChannelInfo{}, ErrNotFound
	}

	peerKeyID, err := getOrCreateKeyRow(tx, peer)
	if err != nil {
		return ChannelInfo{}, err
	}

	syncIndex, err := currentSyncIndex(tx)
	if err != nil {
		return ChannelInfo{}, err
	}

	if _, err := tx.Exec(`INSERT INTO channel (conversation, peer, sync_index) VALUES (?, ?, ?)
		ON CONFLICT(conversation, peer) DO UPDATE SET sync_index=sync_index`, convRowID, peerKeyID, syncIndex); err != nil {
		return ChannelInfo{}, fmt.Errorf("store: create channel: insert: %w", err)
	}
	var channelID int64
	if err := tx.QueryRow(`SELECT id FROM channel WHERE conversation = ? AND peer = ?`, convRowID, peerKeyID).
		Scan(&channelID); err != nil {
		return ChannelInfo{}, fmt.Errorf("store: create channel: select id: %w", err)
	}

	if err := seedInitialSync(tx, channelID, convRowID, conversation); err != nil {
		return ChannelInfo{}, fmt.Errorf("store: create channel: seed snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ChannelInfo{}, err
	}

	return ChannelInfo{ID: channelID, Conversation: conversation, Peer: peer, SyncIndex: syncIndex}, nil
}

func currentSyncIndex(tx *sql.Tx) (int32, error) {
	var max sql.NullInt32
	if err := tx.QueryRow(`SELECT MAX(id) FROM sync`).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int32, nil
}

// seedInitialSync appends the channel's private catch-up snapshot: the
// conversation patch, every contact patch, every member patch for this
// conversation, then each message's content patch followed by its status
// patch, mirroring the order a fresh peer needs to reconstruct the chat.
func seedInitialSync(tx *sql.Tx, channelID, convRowID int64, conversation uuid.UUID) error {
	var title string
	var gen, author int32
	if err := tx.QueryRow(`SELECT title, crdt_gen, crdt_author FROM conversation WHERE id = ?`, convRowID).
		Scan(&title, &gen, &author); err != nil {
		return err
	}
	if err := appendInitialSync(tx, channelID, patch.FromConversation(patch.Conversation{
		ID: conversation, Title: title, Stamp: crdt.Writable{Generation: gen, Author: identity.Author(author)},
	})); err != nil {
		return err
	}

	contactRows, err := tx.Query(`SELECT k.public, c.name, c.crdt_gen, c.crdt_author FROM contact c JOIN key k ON k.id = c.key`)
	if err != nil {
		return err
	}
	type contactRow struct {
		pub         []byte
		name        string
		gen, author int32
	}
	var contacts []contactRow
	for contactRows.Next() {
		var cr contactRow
		if err := contactRows.Scan(&cr.pub, &cr.name, &cr.gen, &cr.author); err != nil {
			contactRows.Close()
			return err
		}
		contacts = append(contacts, cr)
	}
	contactRows.Close()
	if err := contactRows.Err(); err != nil {
		return err
	}
	for _, cr := range contacts {
		var cert identity.Cert
		copy(cert[:], cr.pub)
		if err := appendInitialSync(tx, channelID, patch.FromContact(patch.Contact{
			Key: cert, Name: cr.name, Stamp: crdt.Writable{Generation: cr.gen, Author: identity.Author(cr.author)},
		})); err != nil {
			return err
		}
	}

	memberRows, err := tx.Query(`SELECT k.public, m.crdt_author FROM member m JOIN key k ON k.id = m.contact WHERE m.conversation = ?`, convRowID)
	if err != nil {
		return err
	}
	type memberRow struct {
		pub    []byte
		author int32
	}
	var members []memberRow
	for memberRows.Next() {
		var mr memberRow
		if err := memberRows.Scan(&mr.pub, &mr.author); err != nil {
			memberRows.Close()
			return err
		}
		members = append(members, mr)
	}
	memberRows.Close()
	if err := memberRows.Err(); err != nil {
		return err
	}
	for _, mr := range members {
		var cert identity.Cert
		copy(cert[:], mr.pub)
		if err := appendInitialSync(tx, channelID, patch.FromMember(patch.Member{
			Key: cert, Conversation: conversation, Stamp: crdt.AddOnly{Author: identity.Author(mr.author)},
		})); err != nil {
			return err
		}
	}

	msgRows, err := tx.Query(`SELECT m.uuid0, m.uuid1, m.uuid2, m.uuid3, k.public, m.text,
		m.attachment0, m.attachment1, m.attachment2, m.attachment3, m.has_attachment,
		m.status, m.crdt_gen, m.crdt_author, m.status_crdt_gen, m.status_crdt_author, m.crdt_sequence
		FROM message m JOIN key k ON k.id = m.from_key
		WHERE m.conversation = ? ORDER BY m.crdt_sequence ASC`, convRowID)
	if err != nil {
		return err
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var w0, w1, w2, w3 int32
		var fromPub []byte
		var text string
		var a0, a1, a2, a3 int32
		var hasAttachment int
		var status, gen, author, sgen, sauthor, seq int32
		if err := msgRows.Scan(&w0, &w1, &w2, &w3, &fromPub, &text,
			&a0, &a1, &a2, &a3, &hasAttachment,
			&status, &gen, &author, &sgen, &sauthor, &seq); err != nil {
			return err
		}

		var from identity.Cert
		copy(from[:], fromPub)
		msgID := joinUUID(w0, w1, w2, w3)
		stamp := crdt.WritableSequence{Writable: crdt.Writable{Generation: gen, Author: identity.Author(author)}, Sequence: seq}

		var contentPatch patch.Patch
		if hasAttachment != 0 {
			contentPatch = patch.FromNewAttachmentMessage(patch.NewAttachmentMessage{
				ID: msgID, From: from, Conversation: conversation, Text: text,
				Attachment: joinUUID(a0, a1, a2, a3), Stamp: stamp,
			})
		} else {
			contentPatch = patch.FromNewTextMessage(patch.NewTextMessage{
				ID: msgID, From: from, Conversation: conversation, Text: text, Stamp: stamp,
			})
		}
		if err := appendInitialSync(tx, channelID, contentPatch); err != nil {
			return err
		}

		if err := appendInitialSync(tx, channelID, patch.FromMessageStatus(patch.MessageStatus{
			ID: msgID, Conversation: conversation, Status: patch.Status(status),
			Stamp: crdt.Writable{Generation: sgen, Author: identity.Author(sauthor)},
		})); err != nil {
			return err
		}
	}
	return msgRows.Err()
}

func appendInitialSync(tx *sql.Tx, channelID int64, p patch.Patch) error {
	payload, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO initial_sync (channel, payload) VALUES (?, ?)`, channelID, payload)
	return err
}

// RemoveChannel deletes a replication channel. Removing a channel can
// raise the minimum sync_index floor the GC computes, so the next Ack on
// any surviving channel may reclaim log rows this channel was the last to
// need.
func (s *Store) RemoveChannel(channelID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM initial_sync WHERE channel = ?`, channelID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM channel WHERE id = ?`, channelID); err != nil {
		return err
	}
	return tx.Commit()
}
