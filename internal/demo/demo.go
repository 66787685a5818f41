// Package demo implements DemoSource (§4.5): an alternative driver for a
// Channel that reads the same framed stream from a file playlist instead
// of a network connection, with gzip auto-detect and loop counts.
package demo

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/5l1v3r1/gtvcore/internal/channel"
	"github.com/5l1v3r1/gtvcore/internal/parser"
	"github.com/5l1v3r1/gtvcore/internal/vfs"
	"github.com/5l1v3r1/gtvcore/internal/wire"
)

// gzipMagicLow3 is the gzip magic bytes 1F 8B 08 as they land in the
// low 3 bytes of a little-endian uint32 read of the file's first 4
// bytes (byte 0 is the LSB): 0x1F | 0x8B<<8 | 0x08<<16.
const gzipMagicLow3 = 0x088B1F

// Source drives a Channel from an ordered, looping playlist of files,
// each file being magic + (u16 len, payload) records (§4.5).
type Source struct {
	files []string
	loop  int // 0 = infinite; N>0 decrements on wrap, 0 ends playback
	index int

	ch     *channel.Channel
	parser parser.Parser

	cur     *vfs.File
	framer  *wire.Framer
	scratch *wire.RingBuf

	done bool
}

// New creates a DemoSource for ch, playing files in order with the given
// loop count (0 = infinite).
func New(ch *channel.Channel, files []string, loop int, p parser.Parser) *Source {
	if p == nil {
		p = parser.NewNull()
	}
	return &Source{ch: ch, files: files, loop: loop, parser: p}
}

// Done reports whether the playlist has been exhausted (loop count
// reached zero after wrapping).
func (s *Source) Done() bool { return s.done }

func (s *Source) openCurrent() error {
	path := s.files[s.index]
	f, err := vfs.Open(path, false)
	if err != nil {
		return errors.Wrapf(err, "demo: open %s", path)
	}
	var hdr [4]byte
	if _, err := readFull(f, hdr[:]); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "demo: read header of %s", path)
	}
	if binary.LittleEndian.Uint32(hdr[:])&0x00FFFFFF == gzipMagicLow3 {
		if err := f.InstallGzipFilter(); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "demo: install gzip filter for %s", path)
		}
		if _, err := readFull(f, hdr[:]); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "demo: read gzip-wrapped header of %s", path)
		}
	}
	if binary.BigEndian.Uint32(hdr[:]) != wire.Magic {
		_ = f.Close()
		return errors.Errorf("demo: bad magic in %s", path)
	}
	s.cur = f
	s.framer = wire.NewFramer()
	s.scratch = wire.NewRingBuf(wire.MaxMsgLen + 2)
	return s.readGamestate()
}

func readFull(f *vfs.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// readGamestate reads the first (u16 len, payload) record of the
// current file and validates it directly against the parser before
// committing to playback, the same fail-fast check a live connection
// gets for free from the server's own SVC_HELLO/error opcodes. It is
// fatal if the parser does not report gamestate initialization
// complete. The validated record is then queued into the Channel's
// delay buffer exactly like any other record (via Append below), so it
// still passes through the normal delay/record/parse path once
// playback starts.
func (s *Source) readGamestate() error {
	body, err := s.readOneRecord()
	if err != nil {
		return errors.Wrap(err, "demo: read gamestate record")
	}
	complete, err := s.parser.ParseMessage(body)
	if err != nil {
		return errors.Wrap(err, "demo: parse gamestate")
	}
	if !complete {
		return errors.New("demo: gamestate did not complete initialization")
	}
	return s.ch.Append(body)
}

// readOneRecord pulls bytes from the current file into the framer's
// scratch ring buffer until one complete (u16 len, payload) record can
// be extracted, never reading more than the ring has room for. A
// zero-length terminator record, or a clean io.EOF exactly at a record
// boundary (no partial header or payload outstanding), is returned as
// io.EOF for Feed to treat as end-of-file; an EOF mid-record is a fatal
// truncated file.
func (s *Source) readOneRecord() ([]byte, error) {
	buf := make([]byte, 4096)
	for {
		payload, ok, err := s.framer.Next(s.scratch)
		if ok {
			return payload, nil
		}
		if errors.Is(err, wire.ErrEndOfStream) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, errors.Wrap(err, "demo: framing error")
		}
		want := len(buf)
		if free := s.scratch.Free(); free < want {
			want = free
		}
		n, rerr := s.cur.Read(buf[:want])
		if n > 0 {
			if werr := s.scratch.Write(buf[:n]); werr != nil {
				return nil, errors.Wrap(werr, "demo: scratch buffer overflow")
			}
		}
		if rerr != nil {
			if rerr == io.EOF && s.framer.Pending() == 0 && s.scratch.Len() == 0 {
				return nil, io.EOF
			}
			return nil, errors.Wrap(rerr, "demo: unexpected EOF mid-record")
		}
	}
}

// Feed advances one record of file playback into the owning Channel's
// delay buffer (§4.5), mirroring how a live Upstream hands each
// STREAM_DATA packet to Channel.Append. It runs regardless of the
// Channel's own Waiting/Reading state — exactly as an Upstream keeps
// feeding a paused Channel until the delay buffer's own overflow rule
// stops it — so a user "pause" (§4.4) simply lets the buffer fill
// rather than halting the file reader. End-of-file advances to the
// next playlist entry; exhausting the playlist decrements the loop
// counter (restarting at the head) or ends playback at zero.
func (s *Source) Feed() (bool, error) {
	if s.done || s.ch.State == channel.Dead {
		return false, nil
	}
	payload, err := s.readOneRecord()
	if err == nil {
		if aerr := s.ch.Append(payload); aerr != nil {
			return false, aerr
		}
		return true, nil
	}
	if err != io.EOF {
		return false, err
	}
	return false, s.advance()
}

func (s *Source) advance() error {
	_ = s.cur.Close()
	s.index++
	if s.index >= len(s.files) {
		s.index = 0
		if s.loop > 0 {
			s.loop--
			if s.loop == 0 {
				s.done = true
				s.ch.Kill()
				return nil
			}
		}
	}
	return s.openCurrent()
}

// Start opens the first playlist entry and primes the gamestate.
func (s *Source) Start() error {
	if len(s.files) == 0 {
		return errors.New("demo: empty playlist")
	}
	return s.openCurrent()
}

