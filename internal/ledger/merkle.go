package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Domain-separation prefixes keep a leaf from ever colliding with an inner node.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// ErrEmptyTree is returned when a Merkle root is requested over no leaves.
var ErrEmptyTree = errors.New("merkle tree has no leaves")

// MerkleRoot computes the root over entry hashes in sequence order.
//
// Leaves are SHA-256(0x00 ∥ entry_hash bytes), inner nodes are
// SHA-256(0x01 ∥ left ∥ right). When a level has an odd number of nodes the
// last node is paired with itself. A single leaf is its own root.
func MerkleRoot(entryHashes []string) (string, error) {
	if len(entryHashes) == 0 {
		return "", ErrEmptyTree
	}

	level := make([][]byte, len(entryHashes))

	for i, h := range entryHashes {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != sha256.Size {
			return "", fmt.Errorf("leaf %d: invalid entry hash %q", i, h)
		}

		level[i] = hashLeaf(raw)
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashNode(level[i], level[i+1]))
		}

		level = next
	}

	return hex.EncodeToString(level[0]), nil
}

func hashLeaf(entryHash []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(entryHash)

	return h.Sum(nil)
}

func hashNode(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)

	return h.Sum(nil)
}
