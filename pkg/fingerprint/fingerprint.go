// Package fingerprint computes content digests used to detect duplicate
// uploads. The digest is a dedup fingerprint, not an integrity or security
// boundary, so MD5 is acceptable here.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"io"
)

// chunkSize bounds memory use regardless of stream length.
const chunkSize = 4096

// Digest folds r into a running MD5 in fixed-size chunks and returns the hex
// digest. The stream is fully consumed; callers that need to re-read it must
// seek back to the start themselves. A read failure returns the error and no
// digest, since a partial read is not a valid fingerprint.
func Digest(r io.Reader) (string, error) {
	h := md5.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestBytes fingerprints an in-memory payload.
func DigestBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
