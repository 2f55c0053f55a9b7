// Command dhtnode runs a standalone mainline DHT node.
//
// Settings come from flags, MAINLINE_* environment variables and an
// optional config file, in that order of precedence:
//
//	dhtnode -listen 0.0.0.0:6881,[::]:6881 -metrics 127.0.0.1:9090
//	MAINLINE_LOG_LEVEL=debug dhtnode -config /etc/dhtnode.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/opd-ai/mainline/dht"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Error("dhtnode failed")
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "config file (yaml, toml or json)")
	flag.String("listen", "", "comma separated UDP addresses to bind")
	flag.String("bootstrap", "", "comma separated bootstrap nodes (host:port)")
	flag.String("node-id", "", "hex node id, random when empty")
	flag.Bool("read-only", false, "never answer queries (BEP 43)")
	flag.Bool("allow-local-addresses", false, "accept private and loopback addresses")
	flag.String("metrics", "", "address of the Prometheus endpoint, disabled when empty")
	flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	v := newViper()
	bindFlags(v)
	s, err := loadSettings(v, *configFile)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := s.nodeConfig()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cfg.Registerer = reg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := dht.New(cfg)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if s.Metrics != "" {
		srv = serveMetrics(s.Metrics, reg)
	}

	ticker := time.NewTicker(s.StatsInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			logStats(node.Stats())
		}
	}

	logrus.Info("Shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Metrics server did not shut down cleanly")
		}
	}
	return node.Stop()
}

// bindFlags copies the flags given on the command line into v, so they win
// over the environment and the config file.
func bindFlags(v *viper.Viper) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config":
		case "listen", "bootstrap":
			v.Set(flagKey(f.Name), splitList([]string{f.Value.String()}))
		default:
			v.Set(flagKey(f.Name), f.Value.String())
		}
	})
}

func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "serveMetrics",
			"addr":     addr,
		}).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
	return srv
}

func logStats(s dht.Stats) {
	fields := logrus.Fields{
		"function": "logStats",
		"torrents": s.Torrents,
		"peers":    s.Peers,
		"running":  s.RunningTasks,
		"queued":   s.QueuedTasks,
		"banned":   s.Banned,
	}
	for _, f := range s.Families {
		prefix := f.Family.String() + "_"
		fields[prefix+"entries"] = f.Table.Entries
		fields[prefix+"buckets"] = f.Table.Buckets
		fields[prefix+"bootstrap"] = f.Bootstrap.String()
	}
	logrus.WithFields(fields).Info("Node stats")
}
