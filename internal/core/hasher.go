package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// genesisSeed anchors the hash chain for an empty log. Changing it
// invalidates every previously persisted chain, so it is versioned.
const genesisSeed = "CoverLedger:genesis:v1"

// ChainHasher maintains the running tip of the state-hash chain:
// hash[n] = SHA-256(hash[n-1] || sequence_le || digest). The chain makes
// any retroactive edit of the event log detectable at replay time.
type ChainHasher struct {
	tip [32]byte
}

func NewChainHasher() *ChainHasher {
	return &ChainHasher{tip: sha256.Sum256([]byte(genesisSeed))}
}

// Tip returns the hash of the most recently linked event.
func (h *ChainHasher) Tip() [32]byte { return h.tip }

// Reset rewinds the tip, used when resuming from a snapshot.
func (h *ChainHasher) Reset(tip [32]byte) { h.tip = tip }

// Next links the given sequence and state digest onto the chain and
// advances the tip.
func (h *ChainHasher) Next(sequence int64, stateDigest []byte) [32]byte {
	buf := make([]byte, 0, 32+8+len(stateDigest))
	buf = append(buf, h.tip[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, stateDigest...)
	h.tip = sha256.Sum256(buf)
	return h.tip
}
