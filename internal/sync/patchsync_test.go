package sync

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/icechat/core/internal/crdt"
	"github.com/icechat/core/internal/identity"
	"github.com/icechat/core/internal/patch"
)

const (
	peerAuthor identity.Author = 3
	userAuthor identity.Author = 5
)

var (
	sameConversation  = uuid.MustParse("00000000-0000-0000-0000-000000000003")
	otherConversation = uuid.MustParse("00000000-0000-0000-0000-000000000005")
)

// sourceMock is an in-memory SyncDataSource double, mirroring the Rust
// SourceMock used to test PatchSync's tx/rx loop without a real database.
type sourceMock struct {
	patches        []patch.SyncData
	initialPatches []patch.SyncData
	minimumAck     int32
	merged         map[patch.SyncDataID]bool
}

func newSourceMock() *sourceMock {
	return &sourceMock{merged: map[patch.SyncDataID]bool{}}
}

func (m *sourceMock) Next(_ context.Context, minimum Cursor) (*patch.SyncData, error) {
	if int(minimum.InitialSync) < len(m.initialPatches) {
		d := m.initialPatches[minimum.InitialSync]
		return &d, nil
	}

	for _, p := range m.patches {
		if p.ID.Kind == patch.SyncDataGlobal && p.ID.ID > m.minimumAck && p.ID.ID > minimum.Global {
			d := p
			return &d, nil
		}
	}
	return nil, nil
}

func (m *sourceMock) Ack(_ context.Context, id patch.SyncDataID) error {
	if id.Kind == patch.SyncDataGlobal && id.ID > m.minimumAck {
		m.minimumAck = id.ID
	}
	return nil
}

func (m *sourceMock) Merge(_ context.Context, data patch.SyncData) (*patch.SyncData, error) {
	if m.merged[data.ID] {
		return nil, nil
	}
	m.merged[data.ID] = true
	return &data, nil
}

func (m *sourceMock) Save(_ context.Context, data patch.SyncData) error {
	m.patches = append(m.patches, data)
	return nil
}

func contactPatch(author identity.Author) patch.Patch {
	return patch.FromContact(patch.Contact{Stamp: crdt.Writable{Author: author}})
}

func TestTxSendsAPendingLocalPatchFirst(t *testing.T) {
	ctx := context.Background()
	source := newSourceMock()
	s := New(peerAuthor, sameConversation)

	expected := patch.SyncData{ID: patch.Global(1), Payload: contactPatch(userAuthor)}
	s.tx.PushBack(DataMessage(expected))

	msg, err := s.Tx(ctx, source)
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if msg == nil || msg.Data == nil || msg.Data.ID != expected.ID {
		t.Fatalf("expected queued message to be sent first, got %+v", msg)
	}
}

func TestTxSkipsAndAcksPeersOwnPatch(t *testing.T) {
	ctx := context.Background()
	source := newSourceMock()
	source.patches = []patch.SyncData{
		{ID: patch.Global(1), Payload: contactPatch(peerAuthor)},
	}
	s := New(peerAuthor, sameConversation)

	msg, err := s.Tx(ctx, source)
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected no message to send, got %+v", msg)
	}
	if source.minimumAck != 1 {
		t.Fatalf("expected the peer's own patch to be acked locally, minimumAck=%d", source.minimumAck)
	}
}

func TestTxSkipsPatchesOutsideTheChannelConversation(t *testing.T) {
	ctx := context.Background()
	source := newSourceMock()
	source.patches = []patch.SyncData{
		{
			ID: patch.Global(1),
			Payload: patch.FromConversation(patch.Conversation{
				ID:    otherConversation,
				Stamp: crdt.Writable{Author: userAuthor},
			}),
		},
	}
	s := New(peerAuthor, sameConversation)

	msg, err := s.Tx(ctx, source)
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected out-of-conversation patch to be skipped, got %+v", msg)
	}
	if source.minimumAck != 1 {
		t.Fatalf("expected out-of-conversation patch to be acked, minimumAck=%d", source.minimumAck)
	}
}

func TestTxSendsUsersOwnPatchForTheRightConversation(t *testing.T) {
	ctx := context.Background()
	source := newSourceMock()
	data := patch.SyncData{
		ID: patch.Global(1),
		Payload: patch.FromConversation(patch.Conversation{
			ID:    sameConversation,
			Stamp: crdt.Writable{Author: userAuthor},
		}),
	}
	source.patches = []patch.SyncData{data}
	s := New(peerAuthor, sameConversation)

	msg, err := s.Tx(ctx, source)
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if msg == nil || msg.Data == nil || msg.Data.ID != data.ID {
		t.Fatalf("expected the patch to be sent, got %+v", msg)
	}
	if source.minimumAck != 0 {
		t.Fatalf("sending a patch must not ack it until the peer replies")
	}
}

func TestTxAdvancesCursorPastEachSentPatch(t *testing.T) {
	ctx := context.Background()
	source := newSourceMock()
	first := patch.SyncData{ID: patch.Global(1), Payload: patch.FromConversation(patch.Conversation{ID: sameConversation, Stamp: crdt.Writable{Author: userAuthor}})}
	second := patch.SyncData{ID: patch.Global(2), Payload: patch.FromConversation(patch.Conversation{ID: sameConversation, Stamp: crdt.Writable{Author: userAuthor}})}
	source.patches = []patch.SyncData{first, second}
	s := New(peerAuthor, sameConversation)

	msg1, err := s.Tx(ctx, source)
	if err != nil || msg1 == nil || msg1.Data.ID != first.ID {
		t.Fatalf("expected first patch, got %+v err=%v", msg1, err)
	}
	if s.minimum.Global != 1 {
		t.Fatalf("expected cursor to advance to 1, got %d", s.minimum.Global)
	}

	// The advanced cursor alone makes Next() skip the first patch; it is
	// also acked here, as if the peer had replied, before the second Tx.
	if err := source.Ack(ctx, first.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	msg2, err := s.Tx(ctx, source)
	if err != nil || msg2 == nil || msg2.Data.ID != second.ID {
		t.Fatalf("expected second patch, got %+v err=%v", msg2, err)
	}
}

func TestTxReturnsNilWhenNothingPending(t *testing.T) {
	ctx := context.Background()
	source := newSourceMock()
	s := New(peerAuthor, sameConversation)

	msg, err := s.Tx(ctx, source)
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected no message, got %+v", msg)
	}
}

func TestRxMergesAndAcksAMatchingConversationPatch(t *testing.T) {
	ctx := context.Background()
	source := newSourceMock()
	s := New(peerAuthor, sameConversation)

	data := patch.SyncData{
		ID: patch.Global(9),
		Payload: patch.FromConversation(patch.Conversation{
			ID:    sameConversation,
			Stamp: crdt.Writable{Author: peerAuthor},
		}),
	}

	if err := s.Rx(ctx, source, DataMessage(data)); err != nil {
		t.Fatalf("Rx: %v", err)
	}

	if !source.merged[data.ID] {
		t.Fatalf("expected the patch to be merged into the store")
	}
	if len(source.patches) != 1 {
		t.Fatalf("expected the merged patch to be saved, got %d rows", len(source.patches))
	}

	// An ack for the received patch must be queued regardless of outcome.
	next := s.tx.Front()
	if next == nil {
		t.Fatalf("expected an ack to be queued after Rx")
	}
	ackMsg := next.Value.(Message)
	if ackMsg.Ack == nil || *ackMsg.Ack != data.ID {
		t.Fatalf("expected queued ack for %+v, got %+v", data.ID, ackMsg)
	}
}

func TestRxDoesNotMergeButStillAcksAnOutOfConversationPatch(t *testing.T) {
	ctx := context.Background()
	source := newSourceMock()
	s := New(peerAuthor, sameConversation)

	data := patch.SyncData{
		ID: patch.Global(9),
		Payload: patch.FromConversation(patch.Conversation{
			ID:    otherConversation,
			Stamp: crdt.Writable{Author: peerAuthor},
		}),
	}

	if err := s.Rx(ctx, source, DataMessage(data)); err != nil {
		t.Fatalf("Rx: %v", err)
	}

	if source.merged[data.ID] {
		t.Fatalf("expected out-of-conversation patch not to be merged")
	}
	if len(source.patches) != 0 {
		t.Fatalf("expected nothing saved, got %d rows", len(source.patches))
	}

	next := s.tx.Front()
	if next == nil {
		t.Fatalf("expected an ack to still be queued for an out-of-conversation patch")
	}
}

func TestRxMergesAGlobalContactPatchRegardlessOfConversation(t *testing.T) {
	ctx := context.Background()
	source := newSourceMock()
	s := New(peerAuthor, sameConversation)

	data := patch.SyncData{ID: patch.Global(1), Payload: contactPatch(peerAuthor)}

	if err := s.Rx(ctx, source, DataMessage(data)); err != nil {
		t.Fatalf("Rx: %v", err)
	}
	if !source.merged[data.ID] {
		t.Fatalf("expected a global (conversation-less) patch to always merge")
	}
}

func TestRxForwardsAckToTheStore(t *testing.T) {
	ctx := context.Background()
	source := newSourceMock()
	s := New(peerAuthor, sameConversation)

	if err := s.Rx(ctx, source, AckMessage(patch.Global(4))); err != nil {
		t.Fatalf("Rx: %v", err)
	}
	if source.minimumAck != 4 {
		t.Fatalf("expected ack to be forwarded to the store, minimumAck=%d", source.minimumAck)
	}
}

func TestInitialSyncRowsDrainBeforeAnyGlobalRow(t *testing.T) {
	ctx := context.Background()
	source := newSourceMock()
	initial := patch.SyncData{
		ID: patch.InitialSync(0),
		Payload: patch.FromConversation(patch.Conversation{
			ID:    sameConversation,
			Stamp: crdt.Writable{Author: userAuthor},
		}),
	}
	global := patch.SyncData{
		ID: patch.Global(1),
		Payload: patch.FromConversation(patch.Conversation{
			ID:    sameConversation,
			Stamp: crdt.Writable{Author: userAuthor},
		}),
	}
	source.initialPatches = []patch.SyncData{initial}
	source.patches = []patch.SyncData{global}
	s := New(peerAuthor, sameConversation)

	msg, err := s.Tx(ctx, source)
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if msg == nil || msg.Data.ID.Kind != patch.SyncDataInitialSync {
		t.Fatalf("expected the initial-sync row to be drained first, got %+v", msg)
	}
}

func TestMessageBinaryRoundTripsDataAndAck(t *testing.T) {
	dataMsg := DataMessage(patch.SyncData{
		ID:      patch.Global(7),
		Payload: contactPatch(userAuthor),
	})
	raw, err := dataMsg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var backData Message
	if err := backData.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if backData.Data == nil || backData.Ack != nil || backData.Data.ID != dataMsg.Data.ID {
		t.Fatalf("round trip changed data message: %+v -> %+v", dataMsg, backData)
	}

	ackMsg := AckMessage(patch.InitialSync(3))
	raw, err = ackMsg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var backAck Message
	if err := backAck.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if backAck.Ack == nil || backAck.Data != nil || *backAck.Ack != *ackMsg.Ack {
		t.Fatalf("round trip changed ack message: %+v -> %+v", ackMsg, backAck)
	}
}
