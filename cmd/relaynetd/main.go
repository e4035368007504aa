// Command relaynetd runs the relaynet file-transfer server: it listens on a
// UDP socket, serves LIST/DELETE/GET/PUT requests out of a directory, and
// optionally exposes Prometheus metrics over HTTP.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/dkendall/relaynet/config"
	"github.com/dkendall/relaynet/ftpserver"
	"github.com/dkendall/relaynet/metrics"
	"github.com/dkendall/relaynet/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a relaynet YAML config file")
	listen := flag.String("listen", "", "override listen_addr from config")
	dir := flag.String("dir", "", "override server_dir from config")
	metricsAddr := flag.String("metrics-addr", "", "override metrics_addr from config; empty disables metrics")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	log := logrus.New()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			entry.WithError(err).Fatal("relaynetd: failed to load config")
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *dir != "" {
		cfg.ServerDir = *dir
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	if err := os.MkdirAll(cfg.ServerDir, 0755); err != nil {
		entry.WithError(err).Fatal("relaynetd: failed to create server directory")
	}

	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		entry.WithError(err).Fatal("relaynetd: failed to listen")
	}

	m := metrics.NewTransport(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			entry.WithField("addr", cfg.MetricsAddr).Info("relaynetd: serving metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				entry.WithError(err).Error("relaynetd: metrics server stopped")
			}
		}()
	}

	opts := []transport.Option{
		transport.WithMSS(cfg.MSS),
		transport.WithWindow(cfg.WindowSize),
		transport.WithTimerInterval(cfg.TimerInterval),
	}

	srv := ftpserver.NewServer(conn, cfg.ServerDir, entry, m, opts...)
	entry.WithField("addr", cfg.ListenAddr).WithField("dir", cfg.ServerDir).Info("relaynetd: serving")
	if err := srv.Serve(); err != nil {
		entry.WithError(err).Fatal("relaynetd: serve failed")
	}
}
