package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// snapshotHashLength is the number of hex characters kept from the
// SHA-256 digest of a serialized snapshot payload (spec.md §3).
const snapshotHashLength = 16

// SnapshotHash computes the first snapshotHashLength hex characters of the
// SHA-256 digest of the serialized snapshot payload bytes.
func SnapshotHash(serializedPayload []byte) string {
	sum := sha256.Sum256(serializedPayload)
	return hex.EncodeToString(sum[:])[:snapshotHashLength]
}

// ISOFilename renders t as an RFC3339 (millisecond-precision, UTC) timestamp
// with '.' and ':' replaced by '-', making it safe as a path component.
// E.g. 2026-07-30T12:34:56.789Z -> 2026-07-30T12-34-56-789Z.
func ISOFilename(t time.Time) string {
	iso := t.UTC().Format("2006-01-02T15:04:05.000Z")
	replacer := strings.NewReplacer(".", "-", ":", "-")
	return replacer.Replace(iso)
}
