package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/roach88/inkd/internal/stroke"
)

// Domain prefixes for content fingerprints.
// The version suffix allows the encoding to change without collisions.
const (
	DomainStrokes = "inkd/strokes/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalStrokes returns the canonical encoding of strokes. A nil slice
// encodes like an empty one.
func MarshalStrokes(strokes []stroke.Stroke) ([]byte, error) {
	if strokes == nil {
		strokes = []stroke.Stroke{}
	}
	return Marshal(strokes)
}

// Fingerprint identifies a stroke state. Equal states, including stroke
// order, have equal fingerprints.
func Fingerprint(strokes []stroke.Stroke) (string, error) {
	data, err := MarshalStrokes(strokes)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainStrokes, data), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Stroke state built by the applier is always finite, so this only fails
// for hand-built invalid input.
func MustFingerprint(strokes []stroke.Stroke) string {
	fp, err := Fingerprint(strokes)
	if err != nil {
		panic(err)
	}
	return fp
}
