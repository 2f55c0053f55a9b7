package task

import (
	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/rpc"
)

// PutTask stores a BEP 44 item on the nodes a GetLookup collected tokens
// from.
type PutTask struct {
	*Task
	*writeTask
}

// NewPutTask creates a put of item. cas, if set, is sent for mutable items
// so nodes only accept the write over that sequence number.
func NewPutTask(srv *rpc.Server, item *crypto.Item, cas *int64, targets []AnnounceTarget, concurrency int) *PutTask {
	w := &writeTask{targets: targets}
	w.query = func(tg AnnounceTarget) *krpc.Msg {
		a := &krpc.Args{Token: tg.Token, V: item.V}
		if item.Mutable {
			seq := item.Seq
			a.K = string(item.K[:])
			a.Sig = string(item.Sig[:])
			a.Seq = &seq
			a.Salt = string(item.Salt)
			if cas != nil {
				c := *cas
				a.Cas = &c
			}
		}
		return krpc.NewQuery(krpc.Put, a)
	}
	return &PutTask{
		Task:      New("put", srv, item.Target(), concurrency, w),
		writeTask: w,
	}
}
