// Package crdt implements the three CRDT stamp kinds patches carry, and the
// total-order merge kernel shared by every store-backed entity: accept an
// inbound value only if its stamp compares strictly greater than the stored
// one; an absent row always accepts; equal stamps are a no-op.
package crdt

import "github.com/icechat/core/internal/identity"

// AddOnly stamps grow-only rows (Member, Attachment): once a row
// exists for a given logical id, later patches for the same id are dropped.
// Author records who first created the row.
type AddOnly struct {
	Author identity.Author
}

// Writable stamps single-value last-writer-wins rows (Contact, Conversation,
// MessageStatus): the pair (Generation, Author) totally orders successive
// writes, with Author breaking ties between same-generation writes so the
// order never depends on arrival time.
type Writable struct {
	Generation int32
	Author     identity.Author
}

// Compare returns -1, 0 or 1 as w is less than, equal to, or greater than
// other, comparing Generation first and Author as a tiebreaker.
func (w Writable) Compare(other Writable) int {
	if w.Generation != other.Generation {
		if w.Generation < other.Generation {
			return -1
		}
		return 1
	}
	if w.Author != other.Author {
		if w.Author < other.Author {
			return -1
		}
		return 1
	}
	return 0
}

// Next advances the stamp for a fresh write by this author: generation+1,
// author set to the writer. Used both when adding a brand new row (next of
// the zero Writable) and when editing an existing one.
func (w Writable) Next(author identity.Author) Writable {
	return Writable{Generation: w.Generation + 1, Author: author}
}

// WritableSequence stamps message content: a Writable last-writer-wins
// component for edits/retransmits, plus a Sequence number allocated once
// per conversation and never touched again by Next — it orders messages for
// display, the Writable half only arbitrates conflicting writes to the same
// message id.
type WritableSequence struct {
	Writable Writable
	Sequence int32
}

// Compare delegates to the Writable half; Sequence plays no role in merge
// ordering, only in display ordering.
func (s WritableSequence) Compare(other WritableSequence) int {
	return s.Writable.Compare(other.Writable)
}

// Next advances the Writable half by author, keeping Sequence unchanged.
func (s WritableSequence) Next(author identity.Author) WritableSequence {
	return WritableSequence{Writable: s.Writable.Next(author), Sequence: s.Sequence}
}

// AcceptWritable reports whether an inbound Writable-stamped patch should
// replace the stored one. existing == nil means no row is stored yet, which
// always accepts.
func AcceptWritable(incoming Writable, existing *Writable) bool {
	if existing == nil {
		return true
	}
	return incoming.Compare(*existing) > 0
}

// AcceptWritableSequence is AcceptWritable for the sequence-carrying stamp.
func AcceptWritableSequence(incoming WritableSequence, existing *WritableSequence) bool {
	if existing == nil {
		return true
	}
	return incoming.Compare(*existing) > 0
}

// AcceptAddOnly reports whether an inbound AddOnly-stamped patch should be
// applied: only when no row exists yet. AddOnly rows are never overwritten
// once created, regardless of what the inbound patch's Author claims.
func AcceptAddOnly(existing *AddOnly) bool {
	return existing == nil
}
