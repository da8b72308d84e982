package storage

import (
	_ "crypto/sha256"
	"io"

	"github.com/opencontainers/go-digest"
)

// digestingWriter wraps a writer and computes the canonical digest as data passes through.
type digestingWriter struct {
	w io.Writer
	d digest.Digester
}

func newDigestingWriter(w io.Writer) *digestingWriter {
	return &digestingWriter{
		w: w,
		d: digest.Canonical.Digester(),
	}
}

func (dw *digestingWriter) Write(p []byte) (int, error) {
	n, err := dw.w.Write(p)
	if n > 0 {
		dw.d.Hash().Write(p[:n])
	}
	return n, err
}

func (dw *digestingWriter) Digest() string {
	return dw.d.Digest().String()
}
