package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"guard-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

var ErrInvalidChecksum = errors.New("invalid checksum format")

const Algorithm = "blake2b-256"

// Hasher produces resource checksums and keyed actor digests.
type Hasher struct {
	mu  sync.RWMutex
	key []byte
}

// NewHasher creates a hasher. An empty key is replaced by a random one,
// which makes actor digests stable only for the life of the process.
func NewHasher(key []byte) *Hasher {
	h := &Hasher{}
	if len(key) == 0 {
		h.rotateKey()
	} else {
		h.key = append([]byte(nil), key...)
	}
	return h
}

func (h *Hasher) rotateKey() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		util.Fatal("Failed to generate digest key", zap.Error(err))
	}

	h.mu.Lock()
	h.key = key
	h.mu.Unlock()

	util.Debug("Actor digest key generated")
}

// Checksum returns the hex BLAKE2b-256 digest of data.
func (h *Hasher) Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares data against a previously computed checksum in constant time.
func (h *Hasher) VerifyChecksum(data []byte, checksum string) (bool, error) {
	expected, err := hex.DecodeString(checksum)
	if err != nil || len(expected) != blake2b.Size256 {
		return false, ErrInvalidChecksum
	}
	sum := blake2b.Sum256(data)
	return subtle.ConstantTimeCompare(sum[:], expected) == 1, nil
}

// ActorDigest pseudonymizes an actor id for export to external sinks.
func (h *Hasher) ActorDigest(actorID string) (string, error) {
	if actorID == "" {
		return "", nil
	}
	h.mu.RLock()
	mac, err := blake2b.New256(h.key)
	h.mu.RUnlock()
	if err != nil {
		return "", fmt.Errorf("failed to create keyed hash: %w", err)
	}
	mac.Write([]byte(actorID))
	return hex.EncodeToString(mac.Sum(nil)[:16]), nil
}
