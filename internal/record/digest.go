package record

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest returns the hex BLAKE3-256 hash of the canonical JSON array of records.
// Equal record sequences always produce equal digests; order matters.
func Digest(records []Record) (string, error) {
	if records == nil {
		records = []Record{}
	}
	data, err := MarshalCanonical(records)
	if err != nil {
		return "", fmt.Errorf("digest records: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
