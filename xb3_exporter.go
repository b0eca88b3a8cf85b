package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	exporterName = "xb3_exporter"
	namespace    = "xb3"
)

func main() {
	var (
		configFile    = kingpin.Flag("config.file", "Path to the YAML configuration file.").Default("config.yaml").OverrideDefaultFromEnvar("XB3_EXPORTER_CONFIG").String()
		listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry. Overrides webserver.host and webserver.port.").Default("").OverrideDefaultFromEnvar("XB3_EXPORTER_LISTEN_ADDRESS").String()
		metricsPath   = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
	)

	log.AddFlags(kingpin.CommandLine)
	kingpin.Version(version.Print(exporterName))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	if *metricsPath == "/" || *metricsPath == "/json" || !strings.HasPrefix(*metricsPath, "/") {
		log.Fatalf("Invalid telemetry path %q", *metricsPath)
	}

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.General.LogLevel != "" {
		if err := log.Base().SetLevel(strings.ToLower(cfg.General.LogLevel)); err != nil {
			log.Fatal(err)
		}
	}

	log.Infoln("Starting", exporterName, version.Info())
	log.Infoln("Build context", version.BuildContext())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := NewSnapshotStore()
	exporter := NewExporter(store)
	prometheus.MustRegister(exporter)
	prometheus.MustRegister(version.NewCollector(exporterName))

	extractor, err := NewExtractor(cfg.Page)
	if err != nil {
		log.Fatal(err)
	}

	log.Infoln("Creating session")
	client, err := newModemClient(cfg.Modem, cfg.General.Timeout.Duration(), exporter.InstrumentRoundTripper)
	if err != nil {
		log.Fatal(err)
	}
	policy := RetryPolicy{MaxRetry: cfg.General.MaxRetry, Wait: cfg.General.WaitRetry.Duration()}
	fetcher := NewFetcher(client, cfg.Modem.BaseURL(), policy, log.With("component", "fetcher"), exporter.retries)
	session := NewSession(cfg.Modem, client.Jar, fetcher, log.With("component", "session"), exporter.logins)
	fetcher.SetAuthenticator(session)
	defer fetcher.CloseIdleConnections()

	addr := *listenAddress
	if addr == "" {
		addr = cfg.Webserver.Address()
	}
	server := NewServer(store, promhttp.Handler(), *metricsPath, log.With("component", "server"))
	bound, err := server.Start(ctx, addr)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("Webserver started on: http://%s", bound)

	poller := NewPoller(session, fetcher, extractor, store, exporter, cfg.General.SleepInterval.Duration(), log.With("component", "poller"))
	log.Infof("Polling %s every %s", cfg.Modem.BaseURL(), cfg.General.SleepInterval.Duration())
	if err := poller.Run(ctx); err != nil {
		stop()
		<-server.Done()
		fetcher.CloseIdleConnections()
		log.Fatalf("Polling modem failed: %v", err)
	}
	log.Warnln("shutting down...")
	<-server.Done()
}
