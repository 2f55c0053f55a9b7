package dht_test

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/opd-ai/mainline/dht"
	"github.com/opd-ai/mainline/transport"
)

// Two nodes on an in-memory network: one pings the other to join.
func Example() {
	network := transport.NewMemNetwork()
	start := func(addr string) *dht.Node {
		cfg := dht.DefaultConfig()
		cfg.AllowLocalAddresses = true
		cfg.BootstrapNodes = nil
		cfg.Transports = []transport.Transport{network.Listen(netip.MustParseAddrPort(addr))}
		node, err := dht.New(cfg)
		if err != nil {
			panic(err)
		}
		if err := node.Start(context.Background()); err != nil {
			panic(err)
		}
		return node
	}
	a := start("10.0.0.1:6881")
	defer a.Stop()
	b := start("10.0.0.2:6881")
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := a.Ping(ctx, netip.MustParseAddrPort("10.0.0.2:6881"))
	if err != nil {
		panic(err)
	}
	fmt.Println(id == b.ID())
	// Output:
	// true
}
