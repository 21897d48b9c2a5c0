package source

import (
	"io"
	"os"

	"github.com/spaolacci/murmur3"
)

// fingerprintSize bounds how much of the file head identifies its content.
const fingerprintSize = 1024

// fingerprint is a hash over the first n bytes of a file. Appends leave it
// unchanged; an in-place rewrite almost always changes it.
type fingerprint struct {
	sum uint64
	n   int64
}

func computeFingerprint(f *os.File, n int64) (fingerprint, error) {
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, 0); err != nil {
		if err != io.EOF {
			return fingerprint{}, err
		}
		// shorter than before: cannot be the same content
		return fingerprint{sum: ^murmur3.Sum64(buf), n: n}, nil
	}
	return fingerprint{sum: murmur3.Sum64(buf), n: n}, nil
}
