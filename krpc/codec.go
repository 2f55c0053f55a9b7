package krpc

import (
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/bencode"

	"github.com/opd-ai/mainline/limits"
)

// ErrMalformed is returned for datagrams that are not valid bencoded KRPC
// dictionaries.
var ErrMalformed = errors.New("malformed krpc message")

// Encode serializes m and enforces maxSize.
func Encode(m *Msg, maxSize int) ([]byte, error) {
	b, err := bencode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Y, err)
	}
	if err := limits.ValidateMessageSize(b, maxSize); err != nil {
		return nil, err
	}
	return b, nil
}

// Decode parses and validates a datagram.
//
// On failure the returned message is non-nil whenever a transaction id could
// be recovered, and the error is a *Error when the failure should be answered
// with that error; other failures should be dropped silently.
func Decode(b []byte) (*Msg, error) {
	var m Msg
	err := bencode.Unmarshal(b, &m)
	var trailing bencode.ErrUnusedTrailingBytes
	if err != nil && !errors.As(err, &trailing) {
		partial := recoverHeader(b)
		if partial == nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return partial, protocolError("invalid message: %v", err)
	}
	if err := m.Validate(); err != nil {
		return &m, err
	}
	return &m, nil
}

// recoverHeader extracts the transaction id and message type from a
// syntactically valid dictionary whose body failed to decode.
func recoverHeader(b []byte) *Msg {
	var h struct {
		T string `bencode:"t"`
		Y string `bencode:"y"`
	}
	err := bencode.Unmarshal(b, &h)
	var trailing bencode.ErrUnusedTrailingBytes
	if err != nil && !errors.As(err, &trailing) {
		return nil
	}
	if h.T == "" {
		return nil
	}
	return &Msg{T: h.T, Y: h.Y}
}

// Validate checks the structural requirements of each message type and
// method. It returns a *Error describing the problem.
func (m *Msg) Validate() error {
	if m.T == "" {
		return protocolError("missing transaction id")
	}
	switch m.Y {
	case Query:
		return m.validateQuery()
	case Response:
		if m.R == nil {
			return protocolError("response without body")
		}
		if m.R.ID.IsZero() {
			return protocolError("response without id")
		}
	case ErrorMsg:
		if m.E == nil {
			return protocolError("error message without body")
		}
	default:
		return protocolError("unknown message type %q", m.Y)
	}
	return nil
}

func (m *Msg) validateQuery() error {
	if m.Q == "" {
		return protocolError("query without method")
	}
	if m.A == nil {
		return protocolError("query without arguments")
	}
	if m.A.ID.IsZero() {
		return protocolError("query without id")
	}
	if !KnownMethod(m.Q) {
		return &Error{Code: ErrCodeMethodUnknown, Msg: fmt.Sprintf("method unknown: %s", m.Q)}
	}
	a := m.A
	switch m.Q {
	case FindNode, Get, SampleInfohashes:
		if a.Target == nil {
			return protocolError("%s without target", m.Q)
		}
	case GetPeers:
		if a.InfoHash == nil {
			return protocolError("get_peers without info_hash")
		}
	case AnnouncePeer:
		if a.InfoHash == nil {
			return protocolError("announce_peer without info_hash")
		}
		if a.Token == "" {
			return protocolError("announce_peer without token")
		}
		if a.ImpliedPort == 0 && (a.Port == nil || *a.Port <= 0 || *a.Port > 65535) {
			return protocolError("announce_peer without valid port")
		}
	case Put:
		if len(a.V) == 0 {
			return protocolError("put without value")
		}
		if a.Token == "" {
			return protocolError("put without token")
		}
	}
	return nil
}
