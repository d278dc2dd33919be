// Package transcript records control-channel traffic to a zstd-compressed
// file.
package transcript

import (
	"bufio"
	"io"
	"os"
	"sync"

	appErr "arena/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

// FileName is the transcript file inside an evaluation work directory.
const FileName = "control.log.zst"

// Writer compresses everything written to it into a file. It is safe for
// concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	enc  *zstd.Encoder
	path string
}

// Create opens a new transcript at path, truncating any previous one.
func Create(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "create transcript %s", path)
	}
	enc, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = file.Close()
		return nil, appErr.Wrapf(err, appErr.StorageError, "create zstd writer failed")
	}
	return &Writer{file: file, enc: enc, path: path}, nil
}

// Path returns the file the transcript is written to.
func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return 0, os.ErrClosed
	}
	return w.enc.Write(p)
}

// Close flushes the compressed stream and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return nil
	}
	err := w.enc.Close()
	w.enc = nil
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "close transcript %s", w.path)
	}
	return nil
}

// ReadLines decompresses a transcript and returns its lines.
func ReadLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "open transcript %s", path)
	}
	defer file.Close()
	return readLines(file)
}

func readLines(r io.Reader) ([]string, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "create zstd reader failed")
	}
	defer dec.Close()

	var lines []string
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "read transcript failed")
	}
	return lines, nil
}
