package codec

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress returns addr as lower-case 0x-prefixed hex. Every address
// entering the projection goes through here so comparisons stay byte-exact.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return AddressHex(common.HexToAddress(addr)), nil
}

// AddressHex renders a as lower-case 0x-prefixed hex.
func AddressHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// NormalizeHash returns a 32-byte hash as lower-case 0x-prefixed hex.
func NormalizeHash(h string) (string, error) {
	h = strings.TrimSpace(h)
	trimmed := strings.TrimPrefix(strings.TrimPrefix(h, "0x"), "0X")
	if len(trimmed) != 2*common.HashLength {
		return "", fmt.Errorf("invalid hash %q", h)
	}
	for _, c := range trimmed {
		if !isHexDigit(c) {
			return "", fmt.Errorf("invalid hash %q", h)
		}
	}
	return "0x" + strings.ToLower(trimmed), nil
}

// HashHex renders h as lower-case 0x-prefixed hex.
func HashHex(h common.Hash) string {
	return h.Hex()
}

func isHexDigit(c rune) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
