package object

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

const (
	// HashHexLen is the length of a hex-encoded object id.
	HashHexLen = 64
	// FanoutPrefixLen is the length of a loose object fanout directory name.
	FanoutPrefixLen = 2
)

// HashBytes computes the raw SHA-256 hash of data and returns it as a
// lowercase hex-encoded Hash.
func HashBytes(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// HashObject computes the SHA-256 of the envelope "type len\0content",
// mirroring Git's object hashing but with SHA-256.
func HashObject(objType ObjectType, data []byte) Hash {
	header := fmt.Sprintf("%s %d\x00", objType, len(data))
	h := sha256.New()
	h.Write([]byte(header))
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// IsValidHash reports whether h is a well-formed lowercase hex object id.
func IsValidHash(h Hash) bool {
	return isLowerHex(string(h), HashHexLen)
}

// IsLooseObjectName reports whether name looks like the file name of a loose
// object inside a fanout directory (the hash minus its two-char prefix).
func IsLooseObjectName(name string) bool {
	return isLowerHex(name, HashHexLen-FanoutPrefixLen)
}

// IsFanoutName reports whether name is a two-char fanout directory name.
func IsFanoutName(name string) bool {
	return isLowerHex(name, FanoutPrefixLen)
}

// SortHashes sorts hashes in place lexicographically and returns them.
func SortHashes(hashes []Hash) []Hash {
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes
}

func isLowerHex(s string, expectedLen int) bool {
	if len(s) != expectedLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
