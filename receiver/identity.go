package receiver

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// MeasurementIdentifier computes the deterministic fingerprint of a
// measurement: the lowercase hex SHA-256 digest over the string forms of its
// required meta field values, taken in ascending field-name order. The field
// order is fixed here rather than trusting the caller so that the same
// metadata always hashes the same way regardless of how the record arrived.
func MeasurementIdentifier(required []string, meta map[string]interface{}) string {
	fields := make([]string, len(required))
	copy(fields, required)
	sort.Strings(fields)

	sha := sha256.New()
	for _, field := range fields {
		sha.Write([]byte(metaString(meta[field])))
	}

	return hex.EncodeToString(sha.Sum(nil))
}
