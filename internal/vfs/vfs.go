// Package vfs names the virtual-filesystem I/O collaborator (§6):
// Open/Read/Write/Close/InstallGzipFilter. File open/read/write and gzip
// wrapping are themselves out of scope as a standalone engine subsystem
// (§1), but gtvcore still needs a concrete adapter to drive DemoSource
// playback and Channel recording, so this package provides one backed by
// the OS filesystem and klauspost/compress's gzip implementation (the
// same drop-in the nishisan-dev-n-backup and rockstar-0000-aistore pack
// members both depend on for their own archival paths).
package vfs

import (
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// File is a handle supporting the four primitives the protocol spec
// names, plus transparent gzip wrapping on either read or write.
type File struct {
	f     *os.File
	gz    *gzip.Reader
	gzw   *gzip.Writer
	read  bool
}

// Open opens path for reading (if write is false) or creates/truncates
// it for writing.
func Open(path string, write bool) (*File, error) {
	var f *os.File
	var err error
	if write {
		f, err = os.Create(path)
	} else {
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, err
	}
	return &File{f: f, read: !write}, nil
}

// Read reads raw (or gzip-decompressed, once InstallGzipFilter has been
// called) bytes into p.
func (fl *File) Read(p []byte) (int, error) {
	if fl.gz != nil {
		return fl.gz.Read(p)
	}
	return fl.f.Read(p)
}

// Write writes raw (or gzip-compressed, once InstallGzipFilter has been
// called) bytes from p.
func (fl *File) Write(p []byte) (int, error) {
	if fl.gzw != nil {
		return fl.gzw.Write(p)
	}
	return fl.f.Write(p)
}

// InstallGzipFilter wraps the handle with transparent gzip
// decompression on read, or compression on write. It is an error to
// call this twice on the same handle. On read, callers typically probe
// the first few bytes of a file to detect the gzip magic before
// calling this; InstallGzipFilter seeks the underlying file back to its
// start first so gzip.NewReader sees the whole stream from byte 0
// rather than starting mid-header on already-consumed probe bytes.
func (fl *File) InstallGzipFilter() error {
	if fl.read {
		if _, err := fl.f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		zr, err := gzip.NewReader(fl.f)
		if err != nil {
			return err
		}
		fl.gz = zr
		return nil
	}
	fl.gzw = gzip.NewWriter(fl.f)
	return nil
}

// Close flushes any gzip writer and closes the underlying file.
func (fl *File) Close() error {
	var err error
	if fl.gzw != nil {
		err = fl.gzw.Close()
	}
	if fl.gz != nil {
		_ = fl.gz.Close()
	}
	if cerr := fl.f.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ io.ReadWriteCloser = (*File)(nil)
