package store

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// splitUUID breaks a UUID into four 32-bit big-endian words, the layout
// spec.md's persistence section calls for: "externally identified by a
// 128-bit UUID stored as four 32-bit words (split form enables indexed
// equality search)".
func splitUUID(id uuid.UUID) (w0, w1, w2, w3 int32) {
	w0 = int32(binary.BigEndian.Uint32(id[0:4]))
	w1 = int32(binary.BigEndian.Uint32(id[4:8]))
	w2 = int32(binary.BigEndian.Uint32(id[8:12]))
	w3 = int32(binary.BigEndian.Uint32(id[12:16]))
	return
}

// joinUUID is the inverse of splitUUID.
func joinUUID(w0, w1, w2, w3 int32) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint32(id[0:4], uint32(w0))
	binary.BigEndian.PutUint32(id[4:8], uint32(w1))
	binary.BigEndian.PutUint32(id[8:12], uint32(w2))
	binary.BigEndian.PutUint32(id[12:16], uint32(w3))
	return id
}
