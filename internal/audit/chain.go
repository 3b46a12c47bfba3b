// Package audit implements the tamper-evident action audit log.
//
// Every consequential action an agent takes is recorded as one JSON line in
// an append-only file. Each entry carries an integrity hash computed as
//
//	SHA-256(previous_hash || canonical_bytes(entry_without_hash))
//
// so that editing, deleting, inserting, or reordering any committed line
// breaks verification from that line forward. The live file is rotated by
// size before a write would push it past the configured threshold; rotated
// segments are gzip-compressed into a sibling <name>_archive/ directory and
// the chain continues across the boundary.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// GenesisHash is the previous-hash anchor of the very first entry of a
// fresh log: 64 ASCII zeros. It can never be produced by Digest.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// hashLen is the length of a hex-encoded SHA-256 digest.
const hashLen = 64

// Digest returns the lowercase hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// chainDigest computes the integrity hash of an entry from the previous
// head and the entry's canonical bytes.
func chainDigest(prevHash string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// validHash reports whether s looks like a digest produced by Digest.
func validHash(s string) bool {
	if len(s) != hashLen {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	}) < 0
}

// ChainState is the in-memory cursor holding the hash of the most recently
// committed entry. One ChainState belongs to exactly one ActionLog.
type ChainState struct {
	mu   sync.RWMutex
	head string
}

// NewChainState returns a chain state positioned at head, or at GenesisHash
// when head is empty.
func NewChainState(head string) *ChainState {
	if head == "" {
		head = GenesisHash
	}
	return &ChainState{head: head}
}

// Head returns the current chain head.
func (c *ChainState) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Advance moves the head to hash.
func (c *ChainState) Advance(hash string) {
	c.mu.Lock()
	c.head = hash
	c.mu.Unlock()
}
