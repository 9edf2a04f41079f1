// Package hasher computes BLAKE3 content digests for Tier-2 diff comparison.
package hasher

import (
	"context"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/kopy/internal/syncerr"
)

const bufSize = 32 * 1024

// Size is the digest length in bytes.
const Size = 32

// File computes the BLAKE3 digest of the file at path.
func File(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, syncerr.Wrap(path, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return nil, syncerr.Wrap(path, err)
	}
	return h.Sum(nil), nil
}

// FileContext is File with cancellation support, checked between chunks so a
// hash of a very large file can be abandoned promptly.
func FileContext(ctx context.Context, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, syncerr.Wrap(path, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, bufSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, syncerr.Wrap(path, rerr)
		}
	}
	return h.Sum(nil), nil
}

// Equal reports whether two digests are identical.
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
