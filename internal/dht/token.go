// TokenManager mints the get_peers "token" a sender must echo back on a
// subsequent announce_peer. The token is reserved wire-format machinery,
// not an enforced security control: this DHT's announce_peer handler
// checks only that a token is present (see QueryHandler.handleAnnouncePeer),
// never that it actually validates, so forging one costs an attacker
// nothing. Validate exists for a future handler that wants to start
// enforcing it without a wire-format change, and is covered by this
// package's tests in the meantime.
package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"sync"
	"time"
)

// TokenManager derives per-IP tokens from a rotating secret so that a
// token minted for one requester can't be replayed by another: secrets
// rotate every 5 minutes and the previous secret stays valid for one
// extra rotation, matching BEP 5's two-secret overlap window.
type TokenManager struct {
	currentSecret  [sha1.Size]byte
	previousSecret [sha1.Size]byte
	rotatedAt      time.Time
	mu             sync.RWMutex
}

func NewTokenManager() *TokenManager {
	tm := &TokenManager{rotatedAt: time.Now()}

	rand.Read(tm.currentSecret[:])
	rand.Read(tm.previousSecret[:])

	go tm.rotateLoop()

	return tm
}

// Generate mints a token for ip under the current secret.
func (tm *TokenManager) Generate(ip net.IP) string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	return tm.tokenFor(ip, tm.currentSecret)
}

// Validate reports whether token matches ip under either the current or
// the previous secret, tolerating a token minted just before a rotation.
func (tm *TokenManager) Validate(ip net.IP, token string) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	return token == tm.tokenFor(ip, tm.currentSecret) || token == tm.tokenFor(ip, tm.previousSecret)
}

func (tm *TokenManager) tokenFor(ip net.IP, secret [sha1.Size]byte) string {
	h := sha1.New()
	h.Write(ip.To4())
	h.Write(secret[:])
	return string(h.Sum(nil))
}

func (tm *TokenManager) rotateLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		tm.rotate()
	}
}

func (tm *TokenManager) rotate() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.previousSecret = tm.currentSecret
	rand.Read(tm.currentSecret[:])
	tm.rotatedAt = time.Now()
}
