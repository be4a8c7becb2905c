// Package hashsum provides SHA-256 checksum helpers used by the downloader
// and model storage layers: a whole-file digest and a streaming accumulator
// that can be fed alongside a disk write without buffering the full file.
package hashsum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// Accumulator is a streaming SHA-256 hash. Zero value is ready to use.
type Accumulator struct {
	h hash.Hash
}

// NewAccumulator returns a ready-to-use streaming accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{h: sha256.New()}
}

// Update feeds more bytes into the running digest.
func (a *Accumulator) Update(p []byte) {
	if a.h == nil {
		a.h = sha256.New()
	}
	_, _ = a.h.Write(p)
}

// Finalize returns the lowercase hex digest of everything written so far.
func (a *Accumulator) Finalize() string {
	if a.h == nil {
		a.h = sha256.New()
	}
	return hex.EncodeToString(a.h.Sum(nil))
}

// Reset clears the accumulator for reuse.
func (a *Accumulator) Reset() {
	if a.h == nil {
		a.h = sha256.New()
		return
	}
	a.h.Reset()
}

// SHA256File computes the lowercase hex SHA-256 digest of the file at path.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
