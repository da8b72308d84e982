package hashing

import (
	_ "crypto/sha256"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Compute reads from r and returns its canonical (sha256) digest and the bytes read.
func Compute(r io.Reader) (digest.Digest, int64, error) {
	d := digest.Canonical.Digester()
	n, err := io.Copy(d.Hash(), r)
	if err != nil {
		return "", 0, fmt.Errorf("computing digest: %w", err)
	}
	return d.Digest(), n, nil
}

// Verify checks that the content of r matches the expected digest string.
func Verify(expected string, r io.Reader) error {
	d, err := digest.Parse(expected)
	if err != nil {
		return fmt.Errorf("parsing digest %q: %w", expected, err)
	}
	v := d.Verifier()
	if _, err := io.Copy(v, r); err != nil {
		return fmt.Errorf("reading content: %w", err)
	}
	if !v.Verified() {
		return fmt.Errorf("content does not match digest %s", d)
	}
	return nil
}
