package routing

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/opd-ai/mainline/key"
)

const (
	// MaxTimeouts is the number of consecutive failed queries after which an
	// entry is always replaceable.
	MaxTimeouts = 5

	// OldAndStaleTime is how long an entry may stay silent while failing
	// before it is considered stale.
	OldAndStaleTime = 15 * time.Minute

	// OldAndStaleTimeouts is the failure count beyond which silence for
	// OldAndStaleTime makes an entry stale.
	OldAndStaleTimeouts = 2

	// PingBackoffBase is the base interval of the exponential backoff between
	// pings to a failing entry.
	PingBackoffBase = time.Minute

	// RecentlySeenWindow suppresses pings to entries we heard from lately, so
	// idle NAT mappings are allowed to expire naturally.
	RecentlySeenWindow = 30 * time.Second

	rttWeight = 0.3
)

// Entry is a contact in the routing table: a node id at an address, plus
// what we have learned about its liveness.
//
// Identity (id, address) never changes. Liveness is updated only through the
// Signal* methods and MergeInTimestamps.
type Entry struct {
	id   key.Key
	addr netip.AddrPort

	mu       sync.Mutex
	created  time.Time
	lastSeen time.Time
	lastSend time.Time
	failed   int
	verified bool
	rtt      float64 // EWMA in milliseconds, 0 if unknown
	version  string
}

// NewEntry creates an unverified entry first seen at now.
func NewEntry(id key.Key, addr netip.AddrPort, now time.Time) *Entry {
	return &Entry{
		id:       id,
		addr:     netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
		created:  now,
		lastSeen: now,
	}
}

// ID returns the node id.
func (e *Entry) ID() key.Key { return e.id }

// Addr returns the node's address.
func (e *Entry) Addr() netip.AddrPort { return e.addr }

// IP returns the node's IP.
func (e *Entry) IP() netip.Addr { return e.addr.Addr() }

// Created returns when the entry was first seen.
func (e *Entry) Created() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.created
}

// LastSeen returns when we last heard from the node.
func (e *Entry) LastSeen() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// LastSend returns when we last queried the node.
func (e *Entry) LastSend() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSend
}

// FailedQueries returns the number of consecutive unanswered queries.
func (e *Entry) FailedQueries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// Verified reports whether the node ever answered one of our queries.
func (e *Entry) Verified() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verified
}

// RTT returns the smoothed round trip time, or 0 if none was measured.
func (e *Entry) RTT() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.rtt * float64(time.Millisecond))
}

// Version returns the client version tag the node reported.
func (e *Entry) Version() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// SetVersion records the client version tag.
func (e *Entry) SetVersion(v string) {
	if v == "" {
		return
	}
	e.mu.Lock()
	e.version = v
	e.mu.Unlock()
}

// SetVerified marks the node as having answered a query.
func (e *Entry) SetVerified() {
	e.mu.Lock()
	e.verified = true
	e.mu.Unlock()
}

// SignalResponse records an answer to one of our queries.
func (e *Entry) SignalResponse(now time.Time, rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = now
	e.failed = 0
	e.verified = true
	if rtt > 0 {
		e.updateRTT(float64(rtt) / float64(time.Millisecond))
	}
}

func (e *Entry) updateRTT(ms float64) {
	if e.rtt == 0 {
		e.rtt = ms
		return
	}
	e.rtt = rttWeight*ms + (1-rttWeight)*e.rtt
}

// SignalRequestTimeout records an unanswered query.
func (e *Entry) SignalRequestTimeout() {
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
}

// SignalScheduledRequest records that a query is about to be sent.
func (e *Entry) SignalScheduledRequest(now time.Time) {
	e.mu.Lock()
	e.lastSend = now
	e.mu.Unlock()
}

// MergeInTimestamps folds what another instance of the same contact has
// learned into e. Entries that are not Equal are ignored.
func (e *Entry) MergeInTimestamps(o *Entry) {
	if e == o || !e.Equal(o) {
		return
	}
	o.mu.Lock()
	seen, sent, created, verified, rtt, version := o.lastSeen, o.lastSend, o.created, o.verified, o.rtt, o.version
	o.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if seen.After(e.lastSeen) {
		e.lastSeen = seen
	}
	if sent.After(e.lastSend) {
		e.lastSend = sent
	}
	if created.Before(e.created) {
		e.created = created
	}
	if verified {
		e.verified = true
	}
	if rtt > 0 {
		e.updateRTT(rtt)
	}
	if version != "" {
		e.version = version
	}
}

// Equal reports whether e and o are the same contact: same id at the same
// IP. The port may differ, NATs remap them.
func (e *Entry) Equal(o *Entry) bool {
	if o == nil {
		return false
	}
	return e.id == o.id && e.addr.Addr() == o.addr.Addr()
}

// MatchIPOrID reports whether e shares its IP or its id with o.
func (e *Entry) MatchIPOrID(o *Entry) bool {
	return e.id == o.id || e.addr.Addr() == o.addr.Addr()
}

// EligibleForNodesList reports whether the entry may be handed out to other
// nodes. One timeout can occasionally happen, so verified entries with a
// single failure still qualify.
func (e *Entry) EligibleForNodesList() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verified && e.failed < 2
}

// EligibleForLocalLookup reports whether the entry should seed our own
// lookups.
func (e *Entry) EligibleForLocalLookup() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if (!e.verified && e.failed > 0) || e.failed > 3 {
		return false
	}
	return true
}

// IsGood reports whether the entry answered and has no outstanding failures.
func (e *Entry) IsGood() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verified && e.failed == 0
}

// NeverContacted reports whether we never queried the node.
func (e *Entry) NeverContacted() bool {
	return e.LastSend().IsZero()
}

// WithinBackoffWindow reports whether a failing entry was queried too
// recently to be pinged again.
func (e *Entry) WithinBackoffWindow(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.withinBackoffWindow(now)
}

func (e *Entry) withinBackoffWindow(now time.Time) bool {
	if e.failed == 0 {
		return false
	}
	shift := min(MaxTimeouts, max(0, e.failed-1))
	return now.Sub(e.lastSend) < PingBackoffBase<<shift
}

// NeedsPing reports whether liveness should be probed.
func (e *Entry) NeedsPing(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.lastSeen) < RecentlySeenWindow || e.withinBackoffWindow(now) {
		return false
	}
	return e.failed != 0 || now.Sub(e.lastSeen) > OldAndStaleTime
}

// OldAndStale reports whether the entry kept failing and stayed silent for
// OldAndStaleTime.
func (e *Entry) OldAndStale(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oldAndStale(now)
}

func (e *Entry) oldAndStale(now time.Time) bool {
	return e.failed > OldAndStaleTimeouts && now.Sub(e.lastSeen) > OldAndStaleTime
}

// NeedsReplacement reports whether a replacement candidate should take the
// entry's slot.
func (e *Entry) NeedsReplacement(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return (e.failed > 1 && !e.verified) || e.failed > MaxTimeouts || e.oldAndStale(now)
}

// RemovableWithoutReplacement reports whether the entry can be dropped even
// when no replacement is available. Failing nodes that keep contacting us
// are kept so their backoff state survives.
func (e *Entry) RemovableWithoutReplacement() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	seenSinceLastPing := e.lastSeen.After(e.lastSend)
	return e.failed > MaxTimeouts && !seenSinceLastPing
}

func (e *Entry) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("%s/%s failed:%d verified:%t rtt:%.0fms ver:%q",
		e.id, e.addr, e.failed, e.verified, e.rtt, e.version)
}
