package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/icechat/core/internal/crdt"
	"github.com/icechat/core/internal/identity"
	"github.com/icechat/core/internal/patch"
)

// Merge applies an inbound patch under the total-order merge rule: accept
// only if its stamp compares strictly greater than what's stored (or
// nothing is stored yet). An unknown author or conversation referenced by
// the patch is get-or-created rather than rejected, since a patch can
// legitimately arrive before the patches that introduced its author.
func (s *Store) Merge(p patch.Patch) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("store: merge: begin: %w", err)
	}
	defer tx.Rollback()

	accepted, err := mergeTx(tx, p)
	if err != nil {
		return false, fmt.Errorf("store: merge: %w", err)
	}
	return accepted, tx.Commit()
}

func mergeTx(tx *sql.Tx, p patch.Patch) (bool, error) {
	switch p.Kind {
	case patch.KindContact:
		return mergeContact(tx, *p.Contact)
	case patch.KindConversation:
		return mergeConversation(tx, *p.Conversation)
	case patch.KindMember:
		return mergeMember(tx, *p.Member)
	case patch.KindNewTextMessage:
		return mergeNewTextMessage(tx, *p.NewTextMessage)
	case patch.KindNewAttachmentMessage:
		return mergeNewAttachmentMessage(tx, *p.NewAttachmentMessage)
	case patch.KindMessageStatus:
		return mergeMessageStatus(tx, *p.MessageStatus)
	case patch.KindAttachment:
		return mergeAttachment(tx, *p.Attachment)
	default:
		return false, fmt.Errorf("merge: unhandled patch kind %s", p.Kind)
	}
}

func mergeContact(tx *sql.Tx, c patch.Contact) (bool, error) {
	keyID, err := getOrCreateKeyRow(tx, c.Key)
	if err != nil {
		return false, err
	}

	existing, err := loadContactStamp(tx, keyID)
	if err != nil {
		return false, err
	}
	if !crdt.AcceptWritable(c.Stamp, existing) {
		return false, nil
	}

	_, err = tx.Exec(`INSERT INTO contact (key, name, crdt_gen, crdt_author) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET name=excluded.name, crdt_gen=excluded.crdt_gen, crdt_author=excluded.crdt_author`,
		keyID, c.Name, c.Stamp.Generation, int32(c.Stamp.Author))
	return err == nil, err
}

func loadContactStamp(tx *sql.Tx, keyID int64) (*crdt.Writable, error) {
	var gen, author int32
	err := tx.QueryRow(`SELECT crdt_gen, crdt_author FROM contact WHERE key = ?`, keyID).Scan(&gen, &author)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w := crdt.Writable{Generation: gen, Author: identity.Author(author)}
	return &w, nil
}

func mergeConversation(tx *sql.Tx, c patch.Conversation) (bool, error) {
	rowID, err := getOrCreateConversationRow(tx, c.ID)
	if err != nil {
		return false, err
	}

	var gen, author int32
	err = tx.QueryRow(`SELECT crdt_gen, crdt_author FROM conversation WHERE id = ?`, rowID).Scan(&gen, &author)
	if err != nil {
		return false, err
	}
	existing := crdt.Writable{Generation: gen, Author: identity.Author(author)}
	if !crdt.AcceptWritable(c.Stamp, &existing) {
		return false, nil
	}

	_, err = tx.Exec(`UPDATE conversation SET title=?, crdt_gen=?, crdt_author=? WHERE id=?`,
		c.Title, c.Stamp.Generation, int32(c.Stamp.Author), rowID)
	return err == nil, err
}

func mergeMember(tx *sql.Tx, m patch.Member) (bool, error) {
	contactKeyID, err := getOrCreateContactRow(tx, m.Key)
	if err != nil {
		return false, err
	}
	convRowID, err := getOrCreateConversationRow(tx, m.Conversation)
	if err != nil {
		return false, err
	}

	var existingAuthor int32
	err = tx.QueryRow(`SELECT crdt_author FROM member WHERE contact=? AND conversation=?`, contactKeyID, convRowID).
		Scan(&existingAuthor)
	if err == nil {
		return false, nil // AddOnly: row already present, never overwritten.
	}
	if err != sql.ErrNoRows {
		return false, err
	}

	_, err = tx.Exec(`INSERT INTO member (contact, conversation, crdt_author) VALUES (?, ?, ?)`,
		contactKeyID, convRowID, int32(m.Stamp.Author))
	return err == nil, err
}

func mergeNewTextMessage(tx *sql.Tx, m patch.NewTextMessage) (bool, error) {
	return mergeNewMessageShell(tx, m.ID, m.From, m.Conversation, m.Text, nil, m.Stamp)
}

func mergeNewAttachmentMessage(tx *sql.Tx, m patch.NewAttachmentMessage) (bool, error) {
	return mergeNewMessageShell(tx, m.ID, m.From, m.Conversation, m.Text, &m.Attachment, m.Stamp)
}

// mergeNewMessageShell accepts a message shell (text-only or
// attachment-backed) under WritableSequence ordering on its content stamp.
// The attachment payload itself, if any, arrives as a separate Attachment
// patch and is merged independently.
func mergeNewMessageShell(tx *sql.Tx, id uuid.UUID, from identity.Cert, conversation uuid.UUID, text string, attachment *uuid.UUID, stamp crdt.WritableSequence) (bool, error) {
	fromKeyID, err := getOrCreateContactRow(tx, from)
	if err != nil {
		return false, err
	}
	convRowID, err := getOrCreateConversationRow(tx, conversation)
	if err != nil {
		return false, err
	}

	rowID, ok, err := findMessageRow(tx, id)
	if err != nil {
		return false, err
	}

	var a0, a1, a2, a3 int32
	hasAttachment := 0
	if attachment != nil {
		a0, a1, a2, a3 = splitUUID(*attachment)
		hasAttachment = 1
	}

	if !ok {
		w0, w1, w2, w3 := splitUUID(id)
		_, err = tx.Exec(`INSERT INTO message
			(uuid0, uuid1, uuid2, uuid3, status, from_key, conversation, text,
			 attachment0, attachment1, attachment2, attachment3, has_attachment,
			 crdt_gen, crdt_author, status_crdt_gen, status_crdt_author, crdt_sequence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`,
			w0, w1, w2, w3, int32(patch.StatusSent), fromKeyID, convRowID, text,
			a0, a1, a2, a3, hasAttachment,
			stamp.Writable.Generation, int32(stamp.Writable.Author), stamp.Sequence)
		return err == nil, err
	}

	var gen, author int32
	err = tx.QueryRow(`SELECT crdt_gen, crdt_author FROM message WHERE id=?`, rowID).Scan(&gen, &author)
	if err != nil {
		return false, err
	}
	existing := crdt.WritableSequence{Writable: crdt.Writable{Generation: gen, Author: identity.Author(author)}}
	if !crdt.AcceptWritableSequence(stamp, &existing) {
		return false, nil
	}

	_, err = tx.Exec(`UPDATE message SET from_key=?, text=?,
		attachment0=?, attachment1=?, attachment2=?, attachment3=?, has_attachment=?,
		crdt_gen=?, crdt_author=?, crdt_sequence=? WHERE id=?`,
		fromKeyID, text, a0, a1, a2, a3, hasAttachment,
		stamp.Writable.Generation, int32(stamp.Writable.Author), stamp.Sequence, rowID)
	return err == nil, err
}

func mergeAttachment(tx *sql.Tx, a patch.Attachment) (bool, error) {
	rowID, ok, err := findAttachmentRow(tx, a.ID)
	if err != nil {
		return false, err
	}
	if ok {
		_ = rowID
		return false, nil // AddOnly: already present.
	}

	convRowID, err := getOrCreateConversationRow(tx, a.Conversation)
	if err != nil {
		return false, err
	}

	w0, w1, w2, w3 := splitUUID(a.ID)
	_, err = tx.Exec(`INSERT INTO attachment (uuid0, uuid1, uuid2, uuid3, conversation, payload, crdt_author)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, w0, w1, w2, w3, convRowID, a.Payload, int32(a.Stamp.Author))
	return err == nil, err
}

func findAttachmentRow(tx *sql.Tx, id uuid.UUID) (int64, bool, error) {
	w0, w1, w2, w3 := splitUUID(id)
	var rowID int64
	err := tx.QueryRow(`SELECT id FROM attachment WHERE uuid0=? AND uuid1=? AND uuid2=? AND uuid3=?`,
		w0, w1, w2, w3).Scan(&rowID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rowID, true, nil
}

func mergeMessageStatus(tx *sql.Tx, ms patch.MessageStatus) (bool, error) {
	rowID, ok, err := findMessageRow(tx, ms.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		// A status patch can legitimately arrive before its message shell
		// over a different channel. Rather than drop it, create a
		// placeholder message row with a zero content stamp — the same
		// get-or-create-placeholder pattern getOrCreateContactRow and
		// getOrCreateConversationRow already apply — so the status survives
		// and the later shell patch fills in from_key/text/attachment.
		return insertPlaceholderMessageStatus(tx, ms)
	}

	var gen, author int32
	err = tx.QueryRow(`SELECT status_crdt_gen, status_crdt_author FROM message WHERE id=?`, rowID).Scan(&gen, &author)
	if err != nil {
		return false, err
	}
	existing := crdt.Writable{Generation: gen, Author: identity.Author(author)}
	if !crdt.AcceptWritable(ms.Stamp, &existing) {
		return false, nil
	}

	_, err = tx.Exec(`UPDATE message SET status=?, status_crdt_gen=?, status_crdt_author=? WHERE id=?`,
		int32(ms.Status), ms.Stamp.Generation, int32(ms.Stamp.Author), rowID)
	return err == nil, err
}

// insertPlaceholderMessageStatus creates a message row for a status patch
// whose shell hasn't arrived yet. The shell's author is unknown at this
// point, so from_key is pinned to the zero certificate, exactly as the
// placeholder contact/conversation rows are pinned to a zero stamp; the
// content columns (text, crdt_gen/author, crdt_sequence) stay at their
// zero defaults so the first real NewTextMessage/NewAttachmentMessage
// patch for this id always outranks the placeholder and overwrites them.
func insertPlaceholderMessageStatus(tx *sql.Tx, ms patch.MessageStatus) (bool, error) {
	fromKeyID, err := getOrCreateContactRow(tx, identity.Cert{})
	if err != nil {
		return false, err
	}
	convRowID, err := getOrCreateConversationRow(tx, ms.Conversation)
	if err != nil {
		return false, err
	}

	w0, w1, w2, w3 := splitUUID(ms.ID)
	_, err = tx.Exec(`INSERT INTO message
		(uuid0, uuid1, uuid2, uuid3, status, from_key, conversation, text,
		 has_attachment, crdt_gen, crdt_author, status_crdt_gen, status_crdt_author, crdt_sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', 0, 0, 0, ?, ?, 0)`,
		w0, w1, w2, w3, int32(ms.Status), fromKeyID, convRowID,
		ms.Stamp.Generation, int32(ms.Stamp.Author))
	return err == nil, err
}

func findMessageRow(tx *sql.Tx, id uuid.UUID) (int64, bool, error) {
	w0, w1, w2, w3 := splitUUID(id)
	var rowID int64
	err := tx.QueryRow(`SELECT id FROM message WHERE uuid0=? AND uuid1=? AND uuid2=? AND uuid3=?`,
		w0, w1, w2, w3).Scan(&rowID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rowID, true, nil
}
