// Package krpc defines the KRPC message model of the mainline DHT and its
// bencode encoding.
package krpc

import (
	"github.com/anacrolix/torrent/bencode"

	"github.com/opd-ai/mainline/key"
)

// Message types carried in the "y" field.
const (
	Query    = "q"
	Response = "r"
	ErrorMsg = "e"
)

// Method names carried in the "q" field of queries.
const (
	Ping             = "ping"
	FindNode         = "find_node"
	GetPeers         = "get_peers"
	AnnouncePeer     = "announce_peer"
	Get              = "get"
	Put              = "put"
	SampleInfohashes = "sample_infohashes"
)

// Want values (BEP 32) select which address families a node list should
// cover.
const (
	WantNodes  = "n4"
	WantNodes6 = "n6"
)

var knownMethods = map[string]bool{
	Ping:             true,
	FindNode:         true,
	GetPeers:         true,
	AnnouncePeer:     true,
	Get:              true,
	Put:              true,
	SampleInfohashes: true,
}

// KnownMethod reports whether m is a method this package understands.
func KnownMethod(m string) bool {
	return knownMethods[m]
}

// Msg is a single KRPC message.
type Msg struct {
	T  string       `bencode:"t"`
	Y  string       `bencode:"y"`
	Q  string       `bencode:"q,omitempty"`
	A  *Args        `bencode:"a,omitempty"`
	R  *Return      `bencode:"r,omitempty"`
	E  *Error       `bencode:"e,omitempty"`
	V  string       `bencode:"v,omitempty"`
	IP *CompactAddr `bencode:"ip,omitempty"`
	RO int          `bencode:"ro,omitempty"`
}

// Args are the arguments of a query.
type Args struct {
	ID          key.Key  `bencode:"id"`
	Target      *key.Key `bencode:"target,omitempty"`
	InfoHash    *key.Key `bencode:"info_hash,omitempty"`
	Port        *int     `bencode:"port,omitempty"`
	ImpliedPort int      `bencode:"implied_port,omitempty"`
	Token       string   `bencode:"token,omitempty"`
	Seed        int      `bencode:"seed,omitempty"`
	NoSeed      int      `bencode:"noseed,omitempty"`
	Scrape      int      `bencode:"scrape,omitempty"`
	Want        []string `bencode:"want,omitempty"`

	// BEP 44
	V    bencode.Bytes `bencode:"v,omitempty"`
	K    string        `bencode:"k,omitempty"`
	Sig  string        `bencode:"sig,omitempty"`
	Seq  *int64        `bencode:"seq,omitempty"`
	Cas  *int64        `bencode:"cas,omitempty"`
	Salt string        `bencode:"salt,omitempty"`
}

// Return is the body of a response.
type Return struct {
	ID     key.Key       `bencode:"id"`
	Nodes  CompactNodes  `bencode:"nodes,omitempty"`
	Nodes6 CompactNodes6 `bencode:"nodes6,omitempty"`
	Values []CompactAddr `bencode:"values,omitempty"`
	Token  string        `bencode:"token,omitempty"`

	// BEP 44
	V   bencode.Bytes `bencode:"v,omitempty"`
	K   string        `bencode:"k,omitempty"`
	Sig string        `bencode:"sig,omitempty"`
	Seq *int64        `bencode:"seq,omitempty"`

	// BEP 51
	Samples  CompactInfohashes `bencode:"samples,omitempty"`
	Interval *int              `bencode:"interval,omitempty"`
	Num      *int              `bencode:"num,omitempty"`
}

// NewQuery builds a query. The transaction id is assigned when the query is
// sent.
func NewQuery(method string, args *Args) *Msg {
	return &Msg{Y: Query, Q: method, A: args}
}

// NewResponse builds a response to the query with transaction id t.
func NewResponse(t string, r *Return) *Msg {
	return &Msg{T: t, Y: Response, R: r}
}

// NewError builds an error reply to the query with transaction id t.
func NewError(t string, code int, msg string) *Msg {
	return &Msg{T: t, Y: ErrorMsg, E: &Error{Code: code, Msg: msg}}
}

// SenderID returns the node id the sender claims, if the message has one.
func (m *Msg) SenderID() (key.Key, bool) {
	switch {
	case m.A != nil && !m.A.ID.IsZero():
		return m.A.ID, true
	case m.R != nil && !m.R.ID.IsZero():
		return m.R.ID, true
	}
	return key.Key{}, false
}

// IsQuery reports whether m is a query.
func (m *Msg) IsQuery() bool {
	return m.Y == Query
}

// ReadOnly reports whether the sender flagged itself read-only (BEP 43).
func (m *Msg) ReadOnly() bool {
	return m.RO == 1
}

// Wants reports whether a query asked for node lists of the given family
// (WantNodes or WantNodes6).
func (a *Args) Wants(w string) bool {
	for _, s := range a.Want {
		if s == w {
			return true
		}
	}
	return false
}
