package channel

import (
	"github.com/5l1v3r1/gtvcore/internal/vfs"
	"github.com/5l1v3r1/gtvcore/internal/wire"
)

// Recorder writes a live stream to disk in the same format as the wire
// protocol (§4.4 "Recording"): the magic preamble, the emitted gamestate
// record, then every subsequent body as a (u16 len, body) record, and a
// terminating zero-length record on Stop.
type Recorder struct {
	file *vfs.File
	path string
}

// StartRecording opens path (optionally gzip-wrapped), writes the magic
// preamble, and writes gamestate as the first record.
func StartRecording(path string, gzip bool, gamestate []byte) (*Recorder, error) {
	f, err := vfs.Open(path, true)
	if err != nil {
		return nil, err
	}
	if gzip {
		if err := f.InstallGzipFilter(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	var magic [4]byte
	magic[0] = byte(wire.Magic >> 24)
	magic[1] = byte(wire.Magic >> 16)
	magic[2] = byte(wire.Magic >> 8)
	magic[3] = byte(wire.Magic)
	if _, err := f.Write(magic[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	r := &Recorder{file: f, path: path}
	if err := r.WriteBody(gamestate); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// WriteBody appends one (u16 len, body) record.
func (r *Recorder) WriteBody(body []byte) error {
	var hdr [2]byte
	wire.PutLength(hdr[:], len(body))
	if _, err := r.file.Write(hdr[:]); err != nil {
		return err
	}
	_, err := r.file.Write(body)
	return err
}

// Close writes the terminating zero-length record and closes the file.
func (r *Recorder) Close() error {
	var hdr [2]byte
	wire.PutLength(hdr[:], 0)
	_, _ = r.file.Write(hdr[:])
	return r.file.Close()
}

// Path returns the recording's on-disk path, used by internal/archive
// and internal/registry's housekeeping sweep.
func (r *Recorder) Path() string { return r.path }
