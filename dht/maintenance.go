package dht

import (
	"net"
	"net/netip"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/routing"
	"github.com/opd-ai/mainline/rpc"
	"github.com/opd-ai/mainline/scheduler"
	"github.com/opd-ai/mainline/task"
)

// scheduleJobs starts the periodic maintenance of one family.
func (d *DHT) scheduleJobs() []*scheduler.Handle {
	c := d.cfg
	jobs := []*scheduler.Handle{
		d.sched.Every(c.DequeueInterval, c.CheckInterval, d.maybeBootstrap),
		d.sched.Every(c.CheckInterval, c.CheckInterval, d.checkBuckets),
		d.sched.Every(c.RandomLookupInterval, c.RandomLookupInterval, d.randomLookup),
	}
	if d.interfaceAddrs != nil {
		jobs = append(jobs, d.sched.Every(c.BindCheckInterval, c.BindCheckInterval, d.revalidateBindings))
	}
	return jobs
}

// checkBuckets runs the routing table maintenance pass and refreshes the
// buckets it selects.
func (d *DHT) checkBuckets() {
	srv := d.server()
	if srv == nil {
		return
	}
	d.table.CheckBuckets(d.boot.addrs(), func(te *routing.TableEntry, probe bool) {
		d.refreshBucket(srv, te, probe)
	})
}

// refreshBucket pings the entries of a bucket that need a liveness check.
// Buckets with room also get a lookup in their part of the keyspace.
func (d *DHT) refreshBucket(srv *rpc.Server, te *routing.TableEntry, probe bool) {
	b := te.Bucket()
	if targets := task.BucketPingTargets(b, probe, srv); len(targets) > 0 {
		// with candidates waiting, dead entries make room at once
		clean := b.NumReplacements() > 0
		d.manager.Add(task.NewPingRefreshTask(srv, b, targets, clean, d.cfg.Concurrency).Task)
	}
	if !b.IsFull() {
		b.UpdateRefreshTime(d.sched.Now())
		d.manager.Add(d.newNodeLookup(srv, te.Prefix().RandomKey()).Task)
	}
}

// randomLookup explores a random part of the keyspace.
func (d *DHT) randomLookup() {
	srv := d.server()
	if srv == nil || d.table.NumEntries() == 0 {
		return
	}
	d.manager.Add(d.newNodeLookup(srv, key.Random()).Task)
}

// revalidateBindings stops servers whose address left the host and drops
// servers that were stopped.
func (d *DHT) revalidateBindings() {
	local, err := d.interfaceAddrs()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "revalidateBindings",
			"error":    err.Error(),
		}).Warn("Failed to list interface addresses")
		return
	}

	d.mu.Lock()
	servers := slices.Clone(d.servers)
	d.mu.Unlock()

	changed := false
	for _, srv := range servers {
		ip := srv.LocalAddr().Addr()
		if !srv.Stopped() && !ip.IsUnspecified() && !slices.Contains(local, ip.Unmap()) {
			logrus.WithFields(logrus.Fields{
				"function": "revalidateBindings",
				"local":    srv.LocalAddr().String(),
			}).Warn("Bound address disappeared, stopping server")
			_ = srv.Stop()
		}
		if srv.Stopped() {
			changed = true
		}
	}
	if !changed {
		return
	}
	// filter the live list, servers may have been added meanwhile
	d.mu.Lock()
	d.servers = slices.DeleteFunc(d.servers, (*rpc.Server).Stopped)
	kept := len(d.servers)
	d.mu.Unlock()
	d.syncLocalIDs()
	if kept == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "revalidateBindings",
			"family":   d.family.String(),
		}).Warn("No server left")
	}
}

func hostAddrs() ([]netip.Addr, error) {
	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(ifaddrs))
	for _, a := range ifaddrs {
		if p, err := netip.ParsePrefix(a.String()); err == nil {
			out = append(out, p.Addr().Unmap())
		}
	}
	return out, nil
}
