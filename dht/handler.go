package dht

import (
	"errors"
	"net/netip"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/limits"
	"github.com/opd-ai/mainline/routing"
	"github.com/opd-ai/mainline/rpc"
	"github.com/opd-ai/mainline/transport"
)

// responseOverhead is the room kept in a response for everything besides
// node lists and peer values.
const responseOverhead = 400

var errInvalidToken = &krpc.Error{Code: krpc.ErrCodeProtocol, Msg: "invalid token"}

// handleQuery answers an inbound query.
func (d *DHT) handleQuery(srv *rpc.Server, m *rpc.Message) {
	a := m.A
	if d.table.IsLocalID(a.ID) {
		logrus.WithFields(logrus.Fields{
			"function": "handleQuery",
			"from":     m.From.String(),
		}).Debug("Dropping query carrying our own id")
		return
	}
	if d.bans.Banned(m.From.Addr()) {
		return
	}
	d.metrics.observeQuery(m.Q)

	if !m.ReadOnly() && d.checkIdentity(srv, m.From, a.ID) {
		e := routing.NewEntry(a.ID, m.From, d.sched.Now())
		e.SetVersion(m.V)
		d.table.Insert(e, 0)
	}

	var (
		r   *krpc.Return
		err error
	)
	switch m.Q {
	case krpc.Ping:
		r = &krpc.Return{}
	case krpc.FindNode:
		r = &krpc.Return{}
		d.fillNodes(r, *a.Target, a)
	case krpc.GetPeers:
		r = d.onGetPeers(m)
	case krpc.AnnouncePeer:
		r, err = d.onAnnounce(m)
	case krpc.Get:
		r = d.onGet(m)
	case krpc.Put:
		r, err = d.onPut(m)
	case krpc.SampleInfohashes:
		r = d.onSampleInfohashes(m)
	default:
		err = &krpc.Error{Code: krpc.ErrCodeMethodUnknown, Msg: "method unknown: " + m.Q}
	}
	d.reply(srv, m, r, err)
}

func (d *DHT) reply(srv *rpc.Server, m *rpc.Message, r *krpc.Return, err error) {
	var out *krpc.Msg
	var kerr *krpc.Error
	switch {
	case err == nil:
		out = krpc.NewResponse(m.T, r)
	case errors.As(err, &kerr):
		out = krpc.NewError(m.T, kerr.Code, kerr.Msg)
	default:
		out = krpc.NewError(m.T, krpc.ErrCodeServer, err.Error())
	}
	if out.E != nil {
		d.metrics.observeError(strconv.Itoa(out.E.Code))
		logrus.WithFields(logrus.Fields{
			"function": "reply",
			"method":   m.Q,
			"from":     m.From.String(),
			"code":     out.E.Code,
			"message":  out.E.Msg,
		}).Debug("Rejecting query")
	}
	if err := srv.SendMessage(out, m.From); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "reply",
			"method":   m.Q,
			"to":       m.From.String(),
			"error":    err.Error(),
		}).Debug("Failed to send reply")
	}
}

// closestInfos returns the entries closest to target that may be handed
// out.
func (d *DHT) closestInfos(target key.Key) []krpc.NodeInfo {
	entries := d.table.ClosestSearch(target, d.table.K(), (*routing.Entry).EligibleForNodesList)
	out := make([]krpc.NodeInfo, len(entries))
	for i, e := range entries {
		out[i] = krpc.NodeInfo{ID: e.ID(), Addr: e.Addr()}
	}
	return out
}

// fillNodes adds the node lists a query asked for. Without a want list the
// family the query arrived on is used; lists of the other family come from
// the sibling. It returns the encoded size of the lists.
func (d *DHT) fillNodes(r *krpc.Return, target key.Key, a *krpc.Args) int {
	want4, want6 := a.Wants(krpc.WantNodes), a.Wants(krpc.WantNodes6)
	if !want4 && !want6 {
		want4, want6 = d.family == transport.IPv4, d.family == transport.IPv6
	}
	source := func(f transport.Family) *DHT {
		if f == d.family {
			return d
		}
		return d.Sibling()
	}
	if src := source(transport.IPv4); want4 && src != nil {
		r.Nodes = src.closestInfos(target)
	}
	if src := source(transport.IPv6); want6 && src != nil {
		r.Nodes6 = src.closestInfos(target)
	}
	return len(r.Nodes)*krpc.NodeInfoLen4 + len(r.Nodes6)*krpc.NodeInfoLen6
}

func (d *DHT) onGetPeers(m *rpc.Message) *krpc.Return {
	a := m.A
	ih := *a.InfoHash
	r := &krpc.Return{Token: d.tokens.Generate(a.ID, m.From, ih)}
	used := d.fillNodes(r, ih, a)

	// values are encoded as length-prefixed strings
	budget := (d.family.MaxPacketSize() - responseOverhead - used) / (d.family.PeerAddrLen() + 2)
	for _, p := range d.db.Sample(ih, budget, d.family, a.NoSeed == 1) {
		r.Values = append(r.Values, krpc.NewCompactAddr(p))
	}
	return r
}

func (d *DHT) onAnnounce(m *rpc.Message) (*krpc.Return, error) {
	a := m.A
	ih := *a.InfoHash
	if !d.tokens.Validate(a.Token, a.ID, m.From, ih) {
		return nil, errInvalidToken
	}
	port := m.From.Port()
	if a.ImpliedPort == 0 {
		port = uint16(*a.Port)
	}
	d.db.Store(ih, netip.AddrPortFrom(m.From.Addr(), port), a.Seed == 1)
	logrus.WithFields(logrus.Fields{
		"function":  "onAnnounce",
		"info_hash": ih.String(),
		"peer":      m.From.Addr().String(),
		"port":      port,
	}).Debug("Stored announced peer")
	return &krpc.Return{}, nil
}

func (d *DHT) onGet(m *rpc.Message) *krpc.Return {
	a := m.A
	target := *a.Target
	r := &krpc.Return{Token: d.tokens.Generate(a.ID, m.From, target)}
	d.fillNodes(r, target, a)

	it, ok := d.storage.Get(target)
	if !ok {
		return r
	}
	if it.Mutable {
		seq := it.Seq
		r.Seq = &seq
		if a.Seq != nil && *a.Seq >= it.Seq {
			// the requester already has this version
			return r
		}
		r.K = string(it.K[:])
		r.Sig = string(it.Sig[:])
	}
	r.V = it.V
	return r
}

func (d *DHT) onPut(m *rpc.Message) (*krpc.Return, error) {
	a := m.A
	if err := limits.ValidateValue(a.V); err != nil {
		return nil, &krpc.Error{Code: krpc.ErrCodeMessageTooBig, Msg: "message (v field) too big"}
	}
	it := &crypto.Item{V: []byte(a.V)}
	if a.K != "" || a.Sig != "" {
		if len(a.K) != crypto.PublicKeySize || len(a.Sig) != crypto.SignatureSize || a.Seq == nil {
			return nil, &krpc.Error{Code: krpc.ErrCodeProtocol, Msg: "mutable put needs k, sig and seq"}
		}
		if err := limits.ValidateSalt([]byte(a.Salt)); err != nil {
			return nil, &krpc.Error{Code: krpc.ErrCodeSaltTooBig, Msg: "salt (salt field) too big"}
		}
		it.Mutable = true
		copy(it.K[:], a.K)
		copy(it.Sig[:], a.Sig)
		it.Seq = *a.Seq
		if a.Salt != "" {
			it.Salt = []byte(a.Salt)
		}
	}

	if !d.tokens.Validate(a.Token, a.ID, m.From, it.Target()) {
		return nil, errInvalidToken
	}
	if err := it.Verify(); err != nil {
		return nil, &krpc.Error{Code: krpc.ErrCodeInvalidSignature, Msg: "invalid signature"}
	}
	if err := d.storage.Put(it, a.Cas); err != nil {
		return nil, err
	}
	return &krpc.Return{}, nil
}

func (d *DHT) onSampleInfohashes(m *rpc.Message) *krpc.Return {
	a := m.A
	r := &krpc.Return{}
	used := d.fillNodes(r, *a.Target, a)

	budget := max(0, (d.family.MaxPacketSize()-responseOverhead-used)/key.Bytes)
	interval := int(d.cfg.SampleInterval.Seconds())
	num := d.db.NumTorrents()
	r.Samples = d.db.SampleInfohashes(budget)
	r.Interval = &interval
	r.Num = &num
	return r
}
