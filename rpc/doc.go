// Package rpc implements the KRPC request/response layer of the DHT.
//
// A Call carries one query through the states
//
//	Unsent -> Sent -> Stalled -> Timeout
//	               \-> Responded | Error
//
// Transitions only move forward. Stalled is a soft timeout: the call may
// still complete, but its owner is free to try another node in the
// meantime. The stall threshold comes from a TimeoutFilter fed with round
// trip times of nodes that answered before.
//
// A Server owns one local endpoint. It assigns transaction ids, limits the
// number of calls in flight, defers calls to destinations that exceed their
// Throttle budget and matches replies by transaction id and source address.
//
//	srv, err := rpc.NewServer(rpc.Config{
//		ID:        id,
//		Transport: udp,
//		Scheduler: sched,
//		Handler:   node,
//	})
//	srv.Start()
//	srv.DoCall(rpc.NewCall(krpc.NewQuery(krpc.Ping, nil), addr))
package rpc
