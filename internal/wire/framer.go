package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Sentinel errors the Framer returns. Callers (Upstream, DemoSource)
// classify these per §7 of the spec: ErrEndOfStream is a recoverable
// drop, everything else here is fatal for the owning component.
var (
	ErrEndOfStream  = errors.New("wire: orderly end of stream")
	ErrBadMagic     = errors.New("wire: bad magic preamble")
	ErrOversizeMsg  = errors.New("wire: message exceeds MAX_MSGLEN")
	ErrNeedMoreData = errors.New("wire: need more data")
)

// Framer extracts whole length-prefixed messages from a peek/commit byte
// source. One Framer exists per connection (network or file); it is
// oblivious to whether the bytes it reads came straight off the
// transport or through an InflateAdapter — both present the same
// *RingBuf interface.
type Framer struct {
	magicOK    bool
	pendingLen int // 0 = awaiting header, per the msglen invariant in §3
	scratch    []byte
}

// NewFramer returns a Framer ready to validate the preamble of a fresh
// connection or file.
func NewFramer() *Framer {
	return &Framer{scratch: make([]byte, MaxMsgLen)}
}

// MagicValidated reports whether the 4-byte preamble has already been
// consumed and checked on this Framer.
func (f *Framer) MagicValidated() bool { return f.magicOK }

// ValidateMagic attempts to consume and check the 4-byte MVD_MAGIC
// preamble from src. It returns (false, nil) if fewer than 4 bytes are
// buffered yet (try again next tick), (true, nil) once validated, or a
// non-nil error (ErrBadMagic) which is fatal for the owning component.
func (f *Framer) ValidateMagic(src *RingBuf) (bool, error) {
	if f.magicOK {
		return true, nil
	}
	var hdr [4]byte
	if src.Peek(hdr[:], 0) < 4 {
		return false, nil
	}
	if binary.BigEndian.Uint32(hdr[:]) != Magic {
		return false, ErrBadMagic
	}
	src.Discard(4)
	f.magicOK = true
	return true, nil
}

// Next tries to extract exactly one framed message from src.
//
//   - (payload, true, nil): a full message was extracted; payload is
//     valid until the next call to Next (it aliases the Framer's
//     scratch buffer).
//   - (nil, false, nil): not enough bytes buffered yet; src is
//     untouched beyond any header already consumed, and pendingLen
//     reflects how many payload bytes remain outstanding.
//   - (nil, false, ErrEndOfStream): a zero-length record was read — an
//     orderly end of stream. Recoverable: the caller should reconnect
//     (network) or advance to the next playlist entry (file).
//   - (nil, false, err): any other error is fatal.
func (f *Framer) Next(src *RingBuf) ([]byte, bool, error) {
	if f.pendingLen == 0 {
		var hdr [2]byte
		if src.Peek(hdr[:], 0) < 2 {
			return nil, false, nil
		}
		length := int(binary.LittleEndian.Uint16(hdr[:]))
		if length == 0 {
			src.Discard(2)
			return nil, false, ErrEndOfStream
		}
		if length > MaxMsgLen {
			return nil, false, ErrOversizeMsg
		}
		src.Discard(2)
		f.pendingLen = length
	}
	if src.Len() < f.pendingLen {
		return nil, false, nil
	}
	n := src.Peek(f.scratch[:f.pendingLen], 0)
	if n != f.pendingLen {
		return nil, false, ErrNeedMoreData
	}
	src.Discard(f.pendingLen)
	payload := f.scratch[:f.pendingLen]
	f.pendingLen = 0
	return payload, true, nil
}

// Pending reports the outstanding payload length of a mid-message read,
// or 0 if the Framer is awaiting a fresh header. Exposed so callers can
// assert the "pending message length never exceeds MAX_MSGLEN" invariant
// from §8 without reaching into Framer internals.
func (f *Framer) Pending() int { return f.pendingLen }

// WriteCommand frames an outbound client->server command and appends it
// to dst (the send ring buffer). Overflow of dst is fatal per §4.1.
func WriteCommand(dst *RingBuf, opcode uint8, payload []byte) error {
	var hdr [HeaderLen]byte
	PutHeader(hdr[:], len(payload), opcode)
	buf := make([]byte, 0, HeaderLen+len(payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	if err := dst.Write(buf); err != nil {
		return errors.Wrap(err, "wire: send buffer overflow")
	}
	return nil
}

// WriteRecord frames a length-prefixed record (no opcode) as used by
// recordings and demo files, and appends it to dst.
func WriteRecord(dst *RingBuf, payload []byte) error {
	var hdr [2]byte
	PutLength(hdr[:], len(payload))
	buf := make([]byte, 0, 2+len(payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	return dst.Write(buf)
}

// CString appends a NUL-terminated string to buf, as used by the hello
// payload's username/password/version fields.
func CString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// ReadCString reads a NUL-terminated string starting at offset in buf,
// returning the string and the offset just past the terminator. ok is
// false if no terminator was found.
func ReadCString(buf []byte, offset int) (string, int, bool) {
	idx := bytes.IndexByte(buf[offset:], 0)
	if idx < 0 {
		return "", offset, false
	}
	return string(buf[offset : offset+idx]), offset + idx + 1, true
}
