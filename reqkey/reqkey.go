// Package reqkey derives deterministic request keys from an operation name
// and its parameters. Two logically identical requests always produce the
// same key; any parameter difference produces a different key.
package reqkey

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Derive returns a stable key of the form "op:<hex digest>".
func Derive(operation string, params map[string]string) string {
	return operation + ":" + strconv.FormatUint(Digest(operation, params), 16)
}

// Digest computes the xxhash digest over a canonical encoding of operation
// and params. Parameter iteration is sorted by name to keep the encoding
// deterministic.
func Digest(operation string, params map[string]string) uint64 {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	hasher := xxhash.New()
	_, _ = hasher.WriteString(operation)
	for _, name := range names {
		// Separators avoid accidental overlap between adjacent fields.
		_, _ = hasher.WriteString("::")
		_, _ = hasher.WriteString(name)
		_, _ = hasher.WriteString("=")
		_, _ = hasher.WriteString(params[name])
	}
	return hasher.Sum64()
}
