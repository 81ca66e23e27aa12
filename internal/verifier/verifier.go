// Package verifier computes and checks whole-file digests.
package verifier

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/multiformats/go-multihash"
)

// SumFile computes the SHA-256 digest of the file at path.
func SumFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// ParseExpected decodes a caller-supplied digest string.
// Accepted forms are 64 hex characters and a base58 encoded multihash with
// a sha2-256 code.
func ParseExpected(s string) ([]byte, error) {
	if len(s) == hex.EncodedLen(sha256.Size) {
		b, err := hex.DecodeString(s)
		if err == nil {
			return b, nil
		}
	}
	mh, err := multihash.FromB58String(s)
	if err != nil {
		return nil, fmt.Errorf("invalid digest %q: %s", s, err)
	}
	dec, err := multihash.Decode(mh)
	if err != nil {
		return nil, fmt.Errorf("invalid digest %q: %s", s, err)
	}
	if dec.Code != multihash.SHA2_256 {
		return nil, fmt.Errorf("unsupported digest algorithm: %s", dec.Name)
	}
	return dec.Digest, nil
}

// VerifyFile computes the digest of the file at path and compares it
// against the expected digest string.
func VerifyFile(path, expected string) (digest []byte, ok bool, err error) {
	want, err := ParseExpected(expected)
	if err != nil {
		return nil, false, err
	}
	digest, err = SumFile(path)
	if err != nil {
		return nil, false, err
	}
	return digest, bytes.Equal(digest, want), nil
}
