package docstate

import (
	"strconv"
	"unicode/utf16"
)

// DeriveKey maps a document path to a storage-safe token. Two independent
// rolling hashes with distinct prime multipliers run over the path's UTF-16
// code units; both are base36-encoded and the encoded unit count is appended.
// A collision would silently merge two documents' state, so the triple
// redundancy matters more than token length.
func DeriveKey(path string) string {
	var h1, h2 uint32
	units := utf16.Encode([]rune(path))
	for _, unit := range units {
		h1 = h1*31 + uint32(unit)
		h2 = h2*37 + uint32(unit)
	}
	return strconv.FormatUint(uint64(h1), 36) +
		strconv.FormatUint(uint64(h2), 36) +
		strconv.FormatUint(uint64(len(units)), 36)
}
