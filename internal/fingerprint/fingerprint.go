// Package fingerprint computes stable content hashes over entity field
// maps. The hash is order-independent: field names are sorted before
// serialization, so insertion order never affects the fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/sells-group/listing-reconciler/internal/model"
)

// Hash returns a hex-encoded SHA-256 fingerprint of the field map.
// Two maps equal as sets of (name, value) pairs always hash identically.
// Numeric values are canonicalized through float64 so an int 50000 and a
// JSON-decoded 50000.0 produce the same digest.
func Hash(fields map[string]any) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0x1f})
		h.Write(canonicalValue(fields[name]))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalValue serializes one field value deterministically.
func canonicalValue(v any) []byte {
	if f, ok := model.AsFloat(v); ok {
		if _, isStr := v.(string); !isStr {
			v = f
		}
	}
	// json.Marshal is deterministic for scalars and sorts map keys,
	// which covers every value type a candidate can carry.
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("!unencodable")
	}
	return b
}
