// Package inflate implements the optional deflate decompression stage
// between a raw transport byte source and the Framer (§4.2 of the
// protocol). It is enabled only when the server hello negotiated the
// DEFLATE flag; otherwise Upstream feeds its raw receive buffer straight
// to the Framer and this package is never constructed.
//
// Go's compress-family decoders are blocking io.Reader implementations,
// and once one returns a non-EOF error from its underlying reader it is
// permanently poisoned — there is no stepwise, non-blocking inflate()
// entry point the way zlib's C API exposes one. To present the same
// non-blocking peek/commit ring buffer to the Framer anyway, the adapter
// runs the decompressor on a private goroutine fed through an io.Pipe;
// this is the one place gtvcore deliberately steps outside the otherwise
// single-threaded cooperative model described in §5, and it is scoped
// entirely to this package — Feed never blocks the caller for
// longer than it takes the decode goroutine to keep pace.
package inflate

import (
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"github.com/5l1v3r1/gtvcore/internal/wire"
)

// Adapter wraps a raw byte source, producing an inflated byte source with
// an identical *wire.RingBuf interface. It shares no other state with the
// transport or Framer.
type Adapter struct {
	out *wire.RingBuf

	mu    sync.Mutex
	pr    *io.PipeReader
	pw    *io.PipeWriter
	zr    io.ReadCloser
	fatal error
}

// New starts an Adapter decompressing into out, a ring buffer the Framer
// subsequently reads from in place of the raw transport buffer.
func New(out *wire.RingBuf) *Adapter {
	a := &Adapter{out: out}
	a.resetLocked()
	go a.pump()
	return a
}

func (a *Adapter) resetLocked() {
	pr, pw := io.Pipe()
	a.pr, a.pw = pr, pw
	a.zr = flate.NewReader(pr)
}

// pump runs on its own goroutine for the adapter's lifetime, repeatedly
// reading decompressed bytes out of the flate decoder and appending them
// to out. On Z_STREAM_END (io.EOF from the decoder) it resets the
// decoder and keeps running, ready for the next sync-flush unit — the
// deflate flag stays negotiated for the life of the connection even
// though any given compressed run can end.
func (a *Adapter) pump() {
	buf := make([]byte, 8192)
	for {
		a.mu.Lock()
		zr := a.zr
		a.mu.Unlock()

		n, err := zr.Read(buf)
		if n > 0 {
			a.mu.Lock()
			if werr := a.out.Write(buf[:n]); werr != nil {
				// The Channel delay buffer overflow path (§4.4) is
				// driven from the decoded-message side, not from here;
				// an inflate output overflow only happens if the
				// consumer (Framer) falls far behind, which is a
				// configuration error same as a delay-buffer overflow
				// while Waiting.
				a.fatal = errors.Wrap(werr, "inflate: output buffer overflow")
				a.mu.Unlock()
				return
			}
			a.mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				a.mu.Lock()
				_ = a.zr.Close()
				_ = a.pr.Close()
				a.resetLocked()
				a.mu.Unlock()
				continue
			}
			a.mu.Lock()
			a.fatal = errors.Wrap(err, "inflate: stream error")
			a.mu.Unlock()
			return
		}
	}
}

// Feed appends newly received compressed bytes to the decoder's input.
// It retries once if a concurrent Z_STREAM_END reset closed the pipe it
// was about to write to.
func (a *Adapter) Feed(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	for attempt := 0; ; attempt++ {
		a.mu.Lock()
		if a.fatal != nil {
			err := a.fatal
			a.mu.Unlock()
			return err
		}
		pw := a.pw
		a.mu.Unlock()

		_, err := pw.Write(p)
		if err == nil {
			return nil
		}
		if errors.Is(err, io.ErrClosedPipe) && attempt == 0 {
			continue
		}
		return errors.Wrap(err, "inflate: feed failed")
	}
}

// Out returns the ring buffer the Framer should read from while this
// adapter is active.
func (a *Adapter) Out() *wire.RingBuf { return a.out }

// Err returns any fatal decode error observed by the background pump.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatal
}

// Close releases the adapter's goroutine and decoder state.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.pw.Close()
	_ = a.pr.Close()
	return a.zr.Close()
}
