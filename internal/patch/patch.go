// Package patch implements the closed taxonomy of CRDT operations that can
// flow between replicas: Contact, Conversation, Member, NewTextMessage,
// NewAttachmentMessage, MessageStatus and Attachment. Patch is a tagged sum
// modeled after the original Rust enum rather than an open interface — every
// consumer switches on Kind and is expected to handle all seven cases, so
// adding an eighth variant is a compile-time-visible, grep-able change
// everywhere a switch needs a new case.
package patch

import (
	"github.com/google/uuid"

	"github.com/icechat/core/internal/crdt"
	"github.com/icechat/core/internal/identity"
)

// Kind discriminates the seven patch variants.
type Kind int

const (
	KindContact Kind = iota
	KindConversation
	KindMember
	KindNewTextMessage
	KindNewAttachmentMessage
	KindMessageStatus
	KindAttachment
)

func (k Kind) String() string {
	switch k {
	case KindContact:
		return "Contact"
	case KindConversation:
		return "Conversation"
	case KindMember:
		return "Member"
	case KindNewTextMessage:
		return "NewTextMessage"
	case KindNewAttachmentMessage:
		return "NewAttachmentMessage"
	case KindMessageStatus:
		return "MessageStatus"
	case KindAttachment:
		return "Attachment"
	default:
		return "Unknown"
	}
}

// Contact is a peer's published display name: global (no conversation), one
// row per Key, last-writer-wins.
type Contact struct {
	Key   identity.Cert
	Name  string
	Stamp crdt.Writable
}

// Conversation is a group chat's shared metadata.
type Conversation struct {
	ID    uuid.UUID
	Title string
	Stamp crdt.Writable
}

// Member records that Key belongs to Conversation. Grow-only: membership is
// never revoked by this patch kind.
type Member struct {
	Key          identity.Cert
	Conversation uuid.UUID
	Stamp        crdt.AddOnly
}

// NewTextMessage is a plain-text message shell.
type NewTextMessage struct {
	ID           uuid.UUID
	From         identity.Cert
	Conversation uuid.UUID
	Text         string
	Stamp        crdt.WritableSequence
}

// NewAttachmentMessage is a message shell whose body is carried by a
// separate Attachment patch, so the shell can be accepted before the
// (possibly large) payload arrives.
type NewAttachmentMessage struct {
	ID           uuid.UUID
	From         identity.Cert
	Conversation uuid.UUID
	Text         string
	Attachment   uuid.UUID
	Stamp        crdt.WritableSequence
}

// MessageStatus carries a message's delivery/read status. It is stamped
// independently from the message's content stamp so a status update never
// races a content edit.
type MessageStatus struct {
	ID           uuid.UUID
	Conversation uuid.UUID
	Status       Status
	Stamp        crdt.Writable
}

// Status enumerates message delivery states.
type Status int32

const (
	StatusSent Status = iota
	StatusDelivered
	StatusRead
)

// Attachment carries a message's binary payload.
type Attachment struct {
	ID           uuid.UUID
	Conversation uuid.UUID
	Payload      []byte
	Stamp        crdt.AddOnly
}

// Patch is the tagged union of all seven variants. Exactly one of the
// pointer fields matching Kind is non-nil.
type Patch struct {
	Kind Kind

	Contact              *Contact
	Conversation         *Conversation
	Member               *Member
	NewTextMessage       *NewTextMessage
	NewAttachmentMessage *NewAttachmentMessage
	MessageStatus        *MessageStatus
	Attachment           *Attachment
}

func FromContact(v Contact) Patch              { return Patch{Kind: KindContact, Contact: &v} }
func FromConversation(v Conversation) Patch    { return Patch{Kind: KindConversation, Conversation: &v} }
func FromMember(v Member) Patch                { return Patch{Kind: KindMember, Member: &v} }
func FromNewTextMessage(v NewTextMessage) Patch {
	return Patch{Kind: KindNewTextMessage, NewTextMessage: &v}
}
func FromNewAttachmentMessage(v NewAttachmentMessage) Patch {
	return Patch{Kind: KindNewAttachmentMessage, NewAttachmentMessage: &v}
}
func FromMessageStatus(v MessageStatus) Patch {
	return Patch{Kind: KindMessageStatus, MessageStatus: &v}
}
func FromAttachment(v Attachment) Patch { return Patch{Kind: KindAttachment, Attachment: &v} }

// ConversationID reports the conversation this patch belongs to. Contact is
// the only variant with no conversation (it is global).
func (p Patch) ConversationID() (uuid.UUID, bool) {
	switch p.Kind {
	case KindContact:
		return uuid.UUID{}, false
	case KindConversation:
		return p.Conversation.ID, true
	case KindMember:
		return p.Member.Conversation, true
	case KindNewTextMessage:
		return p.NewTextMessage.Conversation, true
	case KindNewAttachmentMessage:
		return p.NewAttachmentMessage.Conversation, true
	case KindMessageStatus:
		return p.MessageStatus.Conversation, true
	case KindAttachment:
		return p.Attachment.Conversation, true
	default:
		panic("patch: unhandled kind in ConversationID")
	}
}

// Author reports the author who most recently stamped this patch.
func (p Patch) Author() identity.Author {
	switch p.Kind {
	case KindContact:
		return p.Contact.Stamp.Author
	case KindConversation:
		return p.Conversation.Stamp.Author
	case KindMember:
		return p.Member.Stamp.Author
	case KindNewTextMessage:
		return p.NewTextMessage.Stamp.Writable.Author
	case KindNewAttachmentMessage:
		return p.NewAttachmentMessage.Stamp.Writable.Author
	case KindMessageStatus:
		return p.MessageStatus.Stamp.Author
	case KindAttachment:
		return p.Attachment.Stamp.Author
	default:
		panic("patch: unhandled kind in Author")
	}
}
