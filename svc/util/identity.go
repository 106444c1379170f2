package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const identityHashLen = 32

// IdentityHasher derives opaque client identities from raw addresses with
// a peppered HMAC. Keys rotate on epoch boundaries so identity hashes are
// only linkable within one rotation interval; identities change atomically
// at the boundary, and any breaker state keyed by the old hash simply ages
// out.
type IdentityHasher struct {
	rotationInterval time.Duration
	pepper           []byte
	mu               sync.RWMutex
	currentKey       []byte
	currentEpoch     int64
	quit             chan struct{}
	stopOnce         sync.Once
}

func NewIdentityHasher(pepper []byte, rotationInterval time.Duration) (*IdentityHasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("identity pepper must be at least 32 bytes")
	}
	if rotationInterval < 15*time.Minute {
		return nil, errors.New("identity rotation interval must be at least 15 minutes")
	}
	h := &IdentityHasher{
		rotationInterval: rotationInterval,
		pepper:           append([]byte(nil), pepper...),
		quit:             make(chan struct{}),
	}
	h.currentEpoch = h.epochAt(time.Now())
	h.currentKey = h.deriveKey(h.currentEpoch)
	go h.rotationLoop()
	return h, nil
}

// Hash returns the opaque identity for a raw address. The raw value
// never leaves this function.
func (h *IdentityHasher) Hash(raw string) string {
	h.mu.RLock()
	key := h.currentKey
	h.mu.RUnlock()
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))[:identityHashLen]
}

func (h *IdentityHasher) epochAt(t time.Time) int64 {
	return t.Unix() / int64(h.rotationInterval.Seconds())
}

func (h *IdentityHasher) deriveKey(epoch int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(epoch))
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte("identity-epoch"))
	mac.Write(buf[:])
	return mac.Sum(nil)
}

func (h *IdentityHasher) rotationLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			epoch := h.epochAt(time.Now())
			h.mu.Lock()
			if epoch != h.currentEpoch {
				h.currentEpoch = epoch
				h.currentKey = h.deriveKey(epoch)
			}
			h.mu.Unlock()
		case <-h.quit:
			return
		}
	}
}

// Stop halts rotation and wipes key material.
func (h *IdentityHasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.mu.Lock()
		Wipe(h.pepper)
		Wipe(h.currentKey)
		h.mu.Unlock()
	})
}

// SignatureHash condenses a client signature (user-agent or similar)
// into a short opaque token for grouping.
func SignatureHash(sig string) string {
	if sig == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sig))
	return hex.EncodeToString(sum[:8])
}
