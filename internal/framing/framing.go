// Package framing implements the length-prefixed packet framing the
// replication engine rides on: a 4-byte big-endian length prefix followed by
// the payload, with the sender free to split a write into chunks no larger
// than maxFragment and the receiver reassembling from however the
// underlying transport happens to deliver bytes.
package framing

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFragment bounds a single underlying write, matching the teacher's
// stream_handler.go framing and the original Fragmentable's MAX_LEN.
const maxFragment = 4096

// lengthPrefixSize is the width of the length header in front of each
// packet.
const lengthPrefixSize = 4

// Framer wraps a byte-oriented transport (a libp2p stream, a net.Conn) with
// length-prefixed packet boundaries. It is not safe for concurrent use by
// more than one reader or more than one writer.
type Framer struct {
	rw    io.ReadWriter
	rxBuf []byte
}

// New wraps rw (typically a libp2p network.Stream or other authenticated
// byte-pipe) in a Framer.
func New(rw io.ReadWriter) *Framer {
	return &Framer{rw: rw}
}

// Send writes one packet: a 4-byte big-endian length prefix followed by
// data, fragmenting the underlying Write calls into chunks no larger than
// maxFragment. The receiver does not need to know about fragmentation —
// Recv reassembles purely from the length prefix.
func (f *Framer) Send(data []byte) error {
	header := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	packet := append(header, data...)

	for len(packet) > 0 {
		n := maxFragment
		if n > len(packet) {
			n = len(packet)
		}
		if _, err := f.rw.Write(packet[:n]); err != nil {
			return fmt.Errorf("framing: send: %w", err)
		}
		packet = packet[n:]
	}
	return nil
}

// Recv blocks until one full packet has been read, reassembling it from
// however many underlying Read calls that takes. A single underlying Read
// may return more than one packet's worth of bytes (e.g. the sender's two
// fragments plus the next packet's header); Recv buffers the remainder for
// the next call.
func (f *Framer) Recv() ([]byte, error) {
	for !f.readReady() {
		chunk := make([]byte, maxFragment)
		n, err := f.rw.Read(chunk)
		if n > 0 {
			f.rxBuf = append(f.rxBuf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF && f.readReady() {
				break
			}
			return nil, err
		}
	}
	return f.consume(), nil
}

// readReady reports whether rxBuf holds a complete packet.
func (f *Framer) readReady() bool {
	if len(f.rxBuf) < lengthPrefixSize {
		return false
	}
	return len(f.rxBuf)-lengthPrefixSize >= f.nextPacketLen()
}

func (f *Framer) nextPacketLen() int {
	return int(binary.BigEndian.Uint32(f.rxBuf[:lengthPrefixSize]))
}

// consume removes and returns the first complete packet from rxBuf.
func (f *Framer) consume() []byte {
	total := f.nextPacketLen()
	out := make([]byte, total)
	copy(out, f.rxBuf[lengthPrefixSize:lengthPrefixSize+total])
	f.rxBuf = append([]byte(nil), f.rxBuf[lengthPrefixSize+total:]...)
	return out
}
