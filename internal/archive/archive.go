// Package archive appends persisted toasts to hourly zstd-compressed JSONL
// files: <dir>/toasts-YYYY-MM-DD-HH.jsonl.zst.
package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"toastboard/internal/toast"
)

const (
	prefix     = "toasts"
	hourLayout = "2006-01-02-15"
)

// Writer rotates files by the toast's UTC hour. Safe for concurrent use.
type Writer struct {
	dir string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// PathFor returns the archive file holding toasts posted at t.
func (w *Writer) PathFor(t time.Time) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", prefix, t.UTC().Format(hourLayout)))
}

// Append writes one line holding the wire form of t.
func (w *Writer) Append(t toast.Toast) error {
	b, err := toast.Encode(t)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := t.Time.UTC().Format(hourLayout)
	if hour != w.curHour || w.w == nil {
		if err := w.rotateLocked(t.Time); err != nil {
			return err
		}
		w.curHour = hour
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Emit a complete zstd block so a crash loses at most the current line.
	return w.enc.Flush()
}

func (w *Writer) rotateLocked(at time.Time) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.PathFor(at), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) closeLocked() error {
	var err error
	if w.w != nil {
		_ = w.w.Flush()
		w.w = nil
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
		w.f = nil
	}
	w.curHour = ""
	return err
}

// Read decodes every toast of one archive file, in write order.
// Appended sessions produce concatenated zstd frames, which decode as one stream.
func Read(r io.Reader) ([]toast.Toast, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []toast.Toast
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		t, err := toast.Decode(sc.Bytes())
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, sc.Err()
}

// ReadFile is Read on a path.
func ReadFile(path string) ([]toast.Toast, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
