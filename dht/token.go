package dht

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/key"
)

const tokenLen = 8 + crypto.MACSize

// TokenManager hands out and checks the write tokens of get_peers and get
// responses. A token embeds its creation time and a MAC over the requester
// id, address, lookup key and that time, so no per-token state is kept.
type TokenManager struct {
	mu      sync.RWMutex
	secret  []byte
	timeout time.Duration
	clk     clock.Clock
}

// NewTokenManager creates a manager with a fresh secret. Tokens stay valid
// for just under twice timeout.
func NewTokenManager(timeout time.Duration, clk clock.Clock) (*TokenManager, error) {
	secret, err := crypto.NewMACKey()
	if err != nil {
		return nil, fmt.Errorf("token secret: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TokenManager{secret: secret, timeout: timeout, clk: clk}, nil
}

func (tm *TokenManager) mac(ts []byte, id key.Key, ip []byte, port uint16, target key.Key) []byte {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], port)
	tm.mu.RLock()
	m, err := crypto.MAC(tm.secret, id[:], ip, p[:], target[:], ts)
	tm.mu.RUnlock()
	if err != nil {
		// the key size is fixed at construction
		panic(err)
	}
	return m
}

// Generate returns a token for a requester.
func (tm *TokenManager) Generate(id key.Key, from netip.AddrPort, target key.Key) string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(tm.clk.Now().UnixMilli()))
	ip := from.Addr().Unmap().AsSlice()
	return string(ts[:]) + string(tm.mac(ts[:], id, ip, from.Port(), target))
}

// Validate reports whether token was generated for the same requester and
// target and is still within its window.
func (tm *TokenManager) Validate(token string, id key.Key, from netip.AddrPort, target key.Key) bool {
	if len(token) != tokenLen {
		return false
	}
	ts := []byte(token[:8])
	age := tm.clk.Now().UnixMilli() - int64(binary.BigEndian.Uint64(ts))
	if age < 0 || age >= (2*tm.timeout).Milliseconds() {
		return false
	}
	ip := from.Addr().Unmap().AsSlice()
	return crypto.EqualMAC([]byte(token[8:]), tm.mac(ts, id, ip, from.Port(), target))
}

// Close erases the secret.
func (tm *TokenManager) Close() {
	tm.mu.Lock()
	crypto.ZeroBytes(tm.secret)
	tm.mu.Unlock()
}
