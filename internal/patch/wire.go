package patch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/icechat/core/internal/crdt"
	"github.com/icechat/core/internal/identity"
)

// Stable binary wire encoding for Patch/SyncData: every field is written in
// declaration order with a fixed width, so the format never depends on map
// iteration order or a schema registry the way a self-describing encoding
// would. Strings are u32 length + UTF-8 bytes; Cert and uuid.UUID are raw
// fixed-size byte arrays; every variant is tagged with a 1-byte Kind ahead
// of its payload. Grounded on the teacher's length-prefixed framing idiom
// (internal/node/stream_handler.go's readLengthPrefixed/writeLengthPrefixed)
// applied at the field level instead of only around the outer packet.

func writeUint32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func writeInt32(w io.Writer, v int32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeCert(w io.Writer, c identity.Cert) error {
	_, err := w.Write(c[:])
	return err
}

func readCert(r io.Reader) (identity.Cert, error) {
	var c identity.Cert
	_, err := io.ReadFull(r, c[:])
	return c, err
}

func writeUUID(w io.Writer, id uuid.UUID) error {
	_, err := w.Write(id[:])
	return err
}

func readUUID(r io.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	_, err := io.ReadFull(r, id[:])
	return id, err
}

func writeAddOnly(w io.Writer, s crdt.AddOnly) error {
	return writeInt32(w, int32(s.Author))
}

func readAddOnly(r io.Reader) (crdt.AddOnly, error) {
	a, err := readInt32(r)
	return crdt.AddOnly{Author: identity.Author(a)}, err
}

func writeWritable(w io.Writer, s crdt.Writable) error {
	if err := writeInt32(w, s.Generation); err != nil {
		return err
	}
	return writeInt32(w, int32(s.Author))
}

func readWritable(r io.Reader) (crdt.Writable, error) {
	gen, err := readInt32(r)
	if err != nil {
		return crdt.Writable{}, err
	}
	author, err := readInt32(r)
	if err != nil {
		return crdt.Writable{}, err
	}
	return crdt.Writable{Generation: gen, Author: identity.Author(author)}, nil
}

func writeWritableSequence(w io.Writer, s crdt.WritableSequence) error {
	if err := writeWritable(w, s.Writable); err != nil {
		return err
	}
	return writeInt32(w, s.Sequence)
}

func readWritableSequence(r io.Reader) (crdt.WritableSequence, error) {
	writable, err := readWritable(r)
	if err != nil {
		return crdt.WritableSequence{}, err
	}
	seq, err := readInt32(r)
	if err != nil {
		return crdt.WritableSequence{}, err
	}
	return crdt.WritableSequence{Writable: writable, Sequence: seq}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler: a 1-byte Kind tag
// followed by the matching variant's fields in declaration order.
func (p Patch) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(p.Kind))

	var err error
	switch p.Kind {
	case KindContact:
		err = writeContact(&buf, p.Contact)
	case KindConversation:
		err = writeConversation(&buf, p.Conversation)
	case KindMember:
		err = writeMember(&buf, p.Member)
	case KindNewTextMessage:
		err = writeNewTextMessage(&buf, p.NewTextMessage)
	case KindNewAttachmentMessage:
		err = writeNewAttachmentMessage(&buf, p.NewAttachmentMessage)
	case KindMessageStatus:
		err = writeMessageStatus(&buf, p.MessageStatus)
	case KindAttachment:
		err = writeAttachment(&buf, p.Attachment)
	default:
		return nil, fmt.Errorf("patch: marshal: unknown kind %d", p.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("patch: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Patch) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	tag, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("patch: unmarshal: read kind: %w", err)
	}
	kind := Kind(tag)

	*p = Patch{Kind: kind}
	switch kind {
	case KindContact:
		p.Contact, err = readContact(r)
	case KindConversation:
		p.Conversation, err = readConversation(r)
	case KindMember:
		p.Member, err = readMember(r)
	case KindNewTextMessage:
		p.NewTextMessage, err = readNewTextMessage(r)
	case KindNewAttachmentMessage:
		p.NewAttachmentMessage, err = readNewAttachmentMessage(r)
	case KindMessageStatus:
		p.MessageStatus, err = readMessageStatus(r)
	case KindAttachment:
		p.Attachment, err = readAttachment(r)
	default:
		return fmt.Errorf("patch: unmarshal: unknown kind %d", kind)
	}
	if err != nil {
		return fmt.Errorf("patch: unmarshal: %w", err)
	}
	return nil
}

func writeContact(w io.Writer, v *Contact) error {
	if err := writeCert(w, v.Key); err != nil {
		return err
	}
	if err := writeString(w, v.Name); err != nil {
		return err
	}
	return writeWritable(w, v.Stamp)
}

func readContact(r io.Reader) (*Contact, error) {
	key, err := readCert(r)
	if err != nil {
		return nil, err
	}
	name, err := readString(r)
	if err != nil {
		return nil, err
	}
	stamp, err := readWritable(r)
	if err != nil {
		return nil, err
	}
	return &Contact{Key: key, Name: name, Stamp: stamp}, nil
}

func writeConversation(w io.Writer, v *Conversation) error {
	if err := writeUUID(w, v.ID); err != nil {
		return err
	}
	if err := writeString(w, v.Title); err != nil {
		return err
	}
	return writeWritable(w, v.Stamp)
}

func readConversation(r io.Reader) (*Conversation, error) {
	id, err := readUUID(r)
	if err != nil {
		return nil, err
	}
	title, err := readString(r)
	if err != nil {
		return nil, err
	}
	stamp, err := readWritable(r)
	if err != nil {
		return nil, err
	}
	return &Conversation{ID: id, Title: title, Stamp: stamp}, nil
}

func writeMember(w io.Writer, v *Member) error {
	if err := writeCert(w, v.Key); err != nil {
		return err
	}
	if err := writeUUID(w, v.Conversation); err != nil {
		return err
	}
	return writeAddOnly(w, v.Stamp)
}

func readMember(r io.Reader) (*Member, error) {
	key, err := readCert(r)
	if err != nil {
		return nil, err
	}
	conv, err := readUUID(r)
	if err != nil {
		return nil, err
	}
	stamp, err := readAddOnly(r)
	if err != nil {
		return nil, err
	}
	return &Member{Key: key, Conversation: conv, Stamp: stamp}, nil
}

func writeNewTextMessage(w io.Writer, v *NewTextMessage) error {
	if err := writeUUID(w, v.ID); err != nil {
		return err
	}
	if err := writeCert(w, v.From); err != nil {
		return err
	}
	if err := writeUUID(w, v.Conversation); err != nil {
		return err
	}
	if err := writeString(w, v.Text); err != nil {
		return err
	}
	return writeWritableSequence(w, v.Stamp)
}

func readNewTextMessage(r io.Reader) (*NewTextMessage, error) {
	id, err := readUUID(r)
	if err != nil {
		return nil, err
	}
	from, err := readCert(r)
	if err != nil {
		return nil, err
	}
	conv, err := readUUID(r)
	if err != nil {
		return nil, err
	}
	text, err := readString(r)
	if err != nil {
		return nil, err
	}
	stamp, err := readWritableSequence(r)
	if err != nil {
		return nil, err
	}
	return &NewTextMessage{ID: id, From: from, Conversation: conv, Text: text, Stamp: stamp}, nil
}

func writeNewAttachmentMessage(w io.Writer, v *NewAttachmentMessage) error {
	if err := writeUUID(w, v.ID); err != nil {
		return err
	}
	if err := writeCert(w, v.From); err != nil {
		return err
	}
	if err := writeUUID(w, v.Conversation); err != nil {
		return err
	}
	if err := writeString(w, v.Text); err != nil {
		return err
	}
	if err := writeUUID(w, v.Attachment); err != nil {
		return err
	}
	return writeWritableSequence(w, v.Stamp)
}

func readNewAttachmentMessage(r io.Reader) (*NewAttachmentMessage, error) {
	id, err := readUUID(r)
	if err != nil {
		return nil, err
	}
	from, err := readCert(r)
	if err != nil {
		return nil, err
	}
	conv, err := readUUID(r)
	if err != nil {
		return nil, err
	}
	text, err := readString(r)
	if err != nil {
		return nil, err
	}
	attachment, err := readUUID(r)
	if err != nil {
		return nil, err
	}
	stamp, err := readWritableSequence(r)
	if err != nil {
		return nil, err
	}
	return &NewAttachmentMessage{ID: id, From: from, Conversation: conv, Text: text, Attachment: attachment, Stamp: stamp}, nil
}

func writeMessageStatus(w io.Writer, v *MessageStatus) error {
	if err := writeUUID(w, v.ID); err != nil {
		return err
	}
	if err := writeUUID(w, v.Conversation); err != nil {
		return err
	}
	if err := writeInt32(w, int32(v.Status)); err != nil {
		return err
	}
	return writeWritable(w, v.Stamp)
}

func readMessageStatus(r io.Reader) (*MessageStatus, error) {
	id, err := readUUID(r)
	if err != nil {
		return nil, err
	}
	conv, err := readUUID(r)
	if err != nil {
		return nil, err
	}
	status, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	stamp, err := readWritable(r)
	if err != nil {
		return nil, err
	}
	return &MessageStatus{ID: id, Conversation: conv, Status: Status(status), Stamp: stamp}, nil
}

func writeAttachment(w io.Writer, v *Attachment) error {
	if err := writeUUID(w, v.ID); err != nil {
		return err
	}
	if err := writeUUID(w, v.Conversation); err != nil {
		return err
	}
	if err := writeBytes(w, v.Payload); err != nil {
		return err
	}
	return writeAddOnly(w, v.Stamp)
}

func readAttachment(r io.Reader) (*Attachment, error) {
	id, err := readUUID(r)
	if err != nil {
		return nil, err
	}
	conv, err := readUUID(r)
	if err != nil {
		return nil, err
	}
	payload, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	stamp, err := readAddOnly(r)
	if err != nil {
		return nil, err
	}
	return &Attachment{ID: id, Conversation: conv, Payload: payload, Stamp: stamp}, nil
}

// SyncDataKind discriminates the two SyncDataID variants.
type SyncDataKind int

const (
	SyncDataGlobal SyncDataKind = iota
	SyncDataInitialSync
)

// SyncDataID identifies a row in the per-channel replication cursor: either
// a position in the global patch log, or a position in a channel-scoped
// initial-sync snapshot queue.
type SyncDataID struct {
	Kind SyncDataKind
	ID   int32
}

func Global(id int32) SyncDataID      { return SyncDataID{Kind: SyncDataGlobal, ID: id} }
func InitialSync(id int32) SyncDataID { return SyncDataID{Kind: SyncDataInitialSync, ID: id} }

// MarshalBinary implements encoding.BinaryMarshaler: a 1-byte variant tag
// plus the id, matching the Option<T>-as-tag-plus-T convention used
// elsewhere in the wire format.
func (id SyncDataID) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(id.Kind))
	if err := writeInt32(&buf, id.ID); err != nil {
		return nil, fmt.Errorf("sync data id: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (id *SyncDataID) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	tag, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("sync data id: unmarshal: read kind: %w", err)
	}
	n, err := readInt32(r)
	if err != nil {
		return fmt.Errorf("sync data id: unmarshal: read id: %w", err)
	}
	id.Kind = SyncDataKind(tag)
	id.ID = n
	return nil
}

// SyncData pairs a patch with its position in the source's log.
type SyncData struct {
	ID      SyncDataID
	Payload Patch
}

// ConversationID reports the conversation this SyncData's patch belongs to.
func (d SyncData) ConversationID() (uuid.UUID, bool) {
	return d.Payload.ConversationID()
}

// Author reports the author that stamped this SyncData's patch.
func (d SyncData) Author() identity.Author {
	return d.Payload.Author()
}

// MarshalBinary implements encoding.BinaryMarshaler: the id followed by the
// payload, each length-prefixed so the reader can split them back apart.
func (d SyncData) MarshalBinary() ([]byte, error) {
	idBytes, err := d.ID.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("sync data: marshal id: %w", err)
	}
	payloadBytes, err := d.Payload.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("sync data: marshal payload: %w", err)
	}

	var buf bytes.Buffer
	if err := writeBytes(&buf, idBytes); err != nil {
		return nil, fmt.Errorf("sync data: marshal: %w", err)
	}
	if err := writeBytes(&buf, payloadBytes); err != nil {
		return nil, fmt.Errorf("sync data: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (d *SyncData) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	idBytes, err := readBytes(r)
	if err != nil {
		return fmt.Errorf("sync data: unmarshal id: %w", err)
	}
	payloadBytes, err := readBytes(r)
	if err != nil {
		return fmt.Errorf("sync data: unmarshal payload: %w", err)
	}

	var id SyncDataID
	if err := id.UnmarshalBinary(idBytes); err != nil {
		return fmt.Errorf("sync data: unmarshal: %w", err)
	}
	var payload Patch
	if err := payload.UnmarshalBinary(payloadBytes); err != nil {
		return fmt.Errorf("sync data: unmarshal: %w", err)
	}

	d.ID = id
	d.Payload = payload
	return nil
}
