package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// CalculateStringSHA256 computes the SHA-256 hash of a string.
func CalculateStringSHA256(content string) string {
	hash := sha256.New()
	hash.Write([]byte(content))
	return hex.EncodeToString(hash.Sum(nil))
}

// SortedDigest hashes parts after sorting and de-duplicating them, so the result
// does not depend on input order. The input slice is not modified.
func SortedDigest(parts []string, sep string) string {
	sorted := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)
	return CalculateStringSHA256(strings.Join(sorted, sep))
}
