package crdt

import (
	"testing"

	"github.com/icechat/core/internal/identity"
)

func TestWritableNextOnEmptyStartsAtGenerationOne(t *testing.T) {
	var zero Writable
	next := zero.Next(identity.Author(5))

	if next.Generation != 1 || next.Author != identity.Author(5) {
		t.Fatalf("Next() on zero value = %+v, want gen=1 author=5", next)
	}
}

func TestWritableNextAdvancesGenerationAndTakesNewAuthor(t *testing.T) {
	existing := Writable{Generation: 2, Author: identity.Author(3)}
	next := existing.Next(identity.Author(5))

	if next.Generation != 3 || next.Author != identity.Author(5) {
		t.Fatalf("Next() = %+v, want gen=3 author=5", next)
	}
}

func TestBiggerGenerationWinsMerge(t *testing.T) {
	older := Writable{Generation: 3, Author: identity.Author(5)}
	newer := Writable{Generation: 4, Author: identity.Author(7)}

	if !AcceptWritable(newer, &older) {
		t.Fatalf("expected newer generation to be accepted")
	}
	if AcceptWritable(older, &newer) {
		t.Fatalf("expected older generation to be rejected")
	}
}

func TestSameGenerationBiggerAuthorWinsMerge(t *testing.T) {
	a := Writable{Generation: 4, Author: identity.Author(5)}
	b := Writable{Generation: 4, Author: identity.Author(7)}

	if !AcceptWritable(b, &a) {
		t.Fatalf("expected bigger author at same generation to be accepted")
	}
	if AcceptWritable(a, &b) {
		t.Fatalf("expected smaller author at same generation to be rejected")
	}
}

func TestEqualStampsAreANoOp(t *testing.T) {
	a := Writable{Generation: 4, Author: identity.Author(5)}
	b := Writable{Generation: 4, Author: identity.Author(5)}

	if AcceptWritable(b, &a) {
		t.Fatalf("expected equal stamps to be rejected (no-op)")
	}
}

func TestAbsentRowAlwaysAccepts(t *testing.T) {
	incoming := Writable{Generation: 1, Author: identity.Author(1)}
	if !AcceptWritable(incoming, nil) {
		t.Fatalf("expected absent row to always accept")
	}
}

func TestWritableSequenceNextPreservesSequence(t *testing.T) {
	existing := WritableSequence{
		Writable: Writable{Generation: 1, Author: identity.Author(2)},
		Sequence: 42,
	}
	next := existing.Next(identity.Author(9))

	if next.Sequence != 42 {
		t.Fatalf("expected sequence to be preserved across Next(), got %d", next.Sequence)
	}
	if next.Writable.Generation != 2 || next.Writable.Author != identity.Author(9) {
		t.Fatalf("unexpected writable half: %+v", next.Writable)
	}
}

func TestAddOnlyAcceptsOnlyWhenAbsent(t *testing.T) {
	if !AcceptAddOnly(nil) {
		t.Fatalf("expected absent AddOnly row to accept")
	}
	existing := &AddOnly{Author: identity.Author(1)}
	if AcceptAddOnly(existing) {
		t.Fatalf("expected present AddOnly row to reject any further patch")
	}
}
