package task

import (
	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/rpc"
)

// NodeLookup finds the nodes closest to a target with find_node.
type NodeLookup struct {
	*Task
	*lookup
}

// NewNodeLookup creates a lookup for target. Seed it with AddSeeds,
// AddNodes or AddBootstrap before handing it to a Manager.
func NewNodeLookup(srv *rpc.Server, target key.Key, env Env) *NodeLookup {
	want := env.Want
	l := newLookup(srv, target, env, func() *krpc.Msg {
		t := target
		return krpc.NewQuery(krpc.FindNode, &krpc.Args{Target: &t, Want: want})
	})
	return &NodeLookup{
		Task:   New("node_lookup", srv, target, env.Concurrency, l),
		lookup: l,
	}
}
