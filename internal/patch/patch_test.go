package patch

import (
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/icechat/core/internal/crdt"
	"github.com/icechat/core/internal/identity"
)

func TestContactHasNoConversation(t *testing.T) {
	p := FromContact(Contact{Name: "alice", Stamp: crdt.Writable{Generation: 1, Author: 5}})
	if _, ok := p.ConversationID(); ok {
		t.Fatalf("Contact patch should report no conversation")
	}
	if p.Author() != identity.Author(5) {
		t.Fatalf("Author() = %v, want 5", p.Author())
	}
}

func TestEveryOtherVariantHasAConversation(t *testing.T) {
	conv := uuid.New()

	cases := []Patch{
		FromConversation(Conversation{ID: conv, Stamp: crdt.Writable{Author: 1}}),
		FromMember(Member{Conversation: conv, Stamp: crdt.AddOnly{Author: 1}}),
		FromNewTextMessage(NewTextMessage{Conversation: conv, Stamp: crdt.WritableSequence{Writable: crdt.Writable{Author: 1}}}),
		FromNewAttachmentMessage(NewAttachmentMessage{Conversation: conv, Stamp: crdt.WritableSequence{Writable: crdt.Writable{Author: 1}}}),
		FromMessageStatus(MessageStatus{Conversation: conv, Stamp: crdt.Writable{Author: 1}}),
		FromAttachment(Attachment{Conversation: conv, Stamp: crdt.AddOnly{Author: 1}}),
	}

	for _, p := range cases {
		got, ok := p.ConversationID()
		if !ok || got != conv {
			t.Fatalf("%s: ConversationID() = (%v, %v), want (%v, true)", p.Kind, got, ok, conv)
		}
	}
}

func TestWireRoundTripsEachVariant(t *testing.T) {
	conv := uuid.New()
	msgID := uuid.New()
	attID := uuid.New()

	cases := []Patch{
		FromContact(Contact{Name: "bob", Stamp: crdt.Writable{Generation: 2, Author: 7}}),
		FromConversation(Conversation{ID: conv, Title: "friends", Stamp: crdt.Writable{Generation: 1, Author: 7}}),
		FromMember(Member{Conversation: conv, Stamp: crdt.AddOnly{Author: 7}}),
		FromNewTextMessage(NewTextMessage{
			ID: msgID, Conversation: conv, Text: "hi",
			Stamp: crdt.WritableSequence{Writable: crdt.Writable{Generation: 1, Author: 7}, Sequence: 1},
		}),
		FromNewAttachmentMessage(NewAttachmentMessage{
			ID: msgID, Conversation: conv, Text: "see attached", Attachment: attID,
			Stamp: crdt.WritableSequence{Writable: crdt.Writable{Generation: 1, Author: 7}, Sequence: 2},
		}),
		FromMessageStatus(MessageStatus{ID: msgID, Conversation: conv, Status: StatusRead, Stamp: crdt.Writable{Generation: 1, Author: 3}}),
		FromAttachment(Attachment{ID: attID, Conversation: conv, Payload: []byte("data"), Stamp: crdt.AddOnly{Author: 7}}),
	}

	for _, p := range cases {
		data, err := p.MarshalBinary()
		if err != nil {
			t.Fatalf("%s: MarshalBinary: %v", p.Kind, err)
		}
		// The tag byte plus every fixed-width/length-prefixed field must
		// appear in declaration order with no self-describing framing, so
		// the same bytes decode identically regardless of struct tags.
		if len(data) == 0 || data[0] != byte(p.Kind) {
			t.Fatalf("%s: wire payload does not start with its kind tag", p.Kind)
		}

		var back Patch
		if err := back.UnmarshalBinary(data); err != nil {
			t.Fatalf("%s: UnmarshalBinary: %v", p.Kind, err)
		}

		if !reflect.DeepEqual(back, p) {
			t.Fatalf("%s: round trip changed value: %+v -> %+v", p.Kind, p, back)
		}
	}
}

func TestUnmarshalRejectsTruncatedPayload(t *testing.T) {
	full, err := FromContact(Contact{Name: "bob", Stamp: crdt.Writable{Generation: 2, Author: 7}}).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var p Patch
	if err := p.UnmarshalBinary(full[:len(full)-1]); err == nil {
		t.Fatalf("expected error unmarshaling a truncated Contact payload")
	}
}

func TestUnmarshalRejectsUnknownKind(t *testing.T) {
	var p Patch
	if err := p.UnmarshalBinary([]byte{0xff}); err == nil {
		t.Fatalf("expected error unmarshaling an unknown kind tag")
	}
}

func TestSyncDataIDConstructors(t *testing.T) {
	g := Global(3)
	if g.Kind != SyncDataGlobal || g.ID != 3 {
		t.Fatalf("Global(3) = %+v", g)
	}
	i := InitialSync(4)
	if i.Kind != SyncDataInitialSync || i.ID != 4 {
		t.Fatalf("InitialSync(4) = %+v", i)
	}
}
