package main

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
)

var (
	channelLabelNames = []string{"channel"}
	indexLabelNames   = []string{"index"}
)

func newChannelMetric(subsystemName, metricName, docString string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystemName, metricName), docString, channelLabelNames, nil)
}

var (
	targetUpMetric      = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "up"), "Whether a status page has been scraped successfully since startup.", nil, nil)
	uptimeMetric        = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "uptime_seconds"), "Modem uptime.", nil, nil)
	lastScrapeMetric    = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "last_scrape_timestamp_seconds"), "Time of the last successful scrape.", nil, nil)
	downstreamLocked    = newChannelMetric("downstream", "locked", "Downstream Lock Status")
	downstreamFrequency = newChannelMetric("downstream", "frequency_mhz", "Downstream Frequency")
	downstreamSNR       = newChannelMetric("downstream", "snr_db", "Downstream SNR")
	downstreamPower     = newChannelMetric("downstream", "power_dbmv", "Downstream Power Level")
	upstreamLocked      = newChannelMetric("upstream", "locked", "Upstream Lock Status")
	upstreamFrequency   = newChannelMetric("upstream", "frequency_mhz", "Upstream Frequency")
	upstreamSymbolRate  = newChannelMetric("upstream", "symbol_rate", "Upstream Symbol Rate")
	upstreamPower       = newChannelMetric("upstream", "power_dbmv", "Upstream Power Level")
	codewordsUnerrored  = prometheus.NewDesc(prometheus.BuildFQName(namespace, "codewords", "unerrored_total"), "Unerrored Codewords", indexLabelNames, nil)
	codewordsCorrected  = prometheus.NewDesc(prometheus.BuildFQName(namespace, "codewords", "correctable_total"), "Correctable Codewords", indexLabelNames, nil)
	codewordsUncorrect  = prometheus.NewDesc(prometheus.BuildFQName(namespace, "codewords", "uncorrectable_total"), "Uncorrectable Codewords", indexLabelNames, nil)
)

// Exporter publishes the latest Snapshot as metrics. Collecting never talks
// to the modem; the poll loop does that on its own schedule.
type Exporter struct {
	store *SnapshotStore

	totalScrapes          prometheus.Counter
	parseFailures         *prometheus.CounterVec
	retries               *prometheus.CounterVec
	logins                *prometheus.CounterVec
	clientRequestCount    *prometheus.CounterVec
	clientRequestDuration *prometheus.HistogramVec
}

func NewExporter(store *SnapshotStore) *Exporter {
	return &Exporter{
		store: store,
		totalScrapes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exporter_scrapes_total",
			Help:      "Current total modem status page scrapes.",
		}),
		parseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exporter_parse_errors_total",
			Help:      "Number of errors while parsing the status page.",
		}, []string{"section"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exporter_client_retries_total",
			Help:      "Retried HTTP requests to the modem.",
		}, []string{"reason"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exporter_logins_total",
			Help:      "Login attempts against the modem web interface.",
		}, []string{"result"}),
		clientRequestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exporter_client_requests_total",
			Help:      "HTTP requests to the modem.",
		}, []string{"code", "method"}),
		clientRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exporter_client_request_duration_seconds",
			Help:      "Histogram of modem HTTP request latencies.",
		}, []string{"code", "method"}),
	}
}

// InstrumentRoundTripper counts and times requests made through next.
func (e *Exporter) InstrumentRoundTripper(next http.RoundTripper) http.RoundTripper {
	return promhttp.InstrumentRoundTripperCounter(e.clientRequestCount,
		promhttp.InstrumentRoundTripperDuration(e.clientRequestDuration, next))
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		targetUpMetric, uptimeMetric, lastScrapeMetric,
		downstreamLocked, downstreamFrequency, downstreamSNR, downstreamPower,
		upstreamLocked, upstreamFrequency, upstreamSymbolRate, upstreamPower,
		codewordsUnerrored, codewordsCorrected, codewordsUncorrect,
	} {
		ch <- d
	}

	ch <- e.totalScrapes.Desc()
	e.parseFailures.Describe(ch)
	e.retries.Describe(ch)
	e.logins.Describe(ch)
	e.clientRequestCount.Describe(ch)
	e.clientRequestDuration.Describe(ch)
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snapshot := e.store.Load()

	if snapshot.CollectedAt.IsZero() {
		ch <- prometheus.MustNewConstMetric(targetUpMetric, prometheus.GaugeValue, 0)
	} else {
		ch <- prometheus.MustNewConstMetric(targetUpMetric, prometheus.GaugeValue, 1)
		ch <- prometheus.MustNewConstMetric(uptimeMetric, prometheus.GaugeValue, float64(snapshot.UptimeTotal))
		ch <- prometheus.MustNewConstMetric(lastScrapeMetric, prometheus.GaugeValue, float64(snapshot.CollectedAt.UnixNano())/1e9)
		collectSnapshot(ch, snapshot)
	}

	ch <- e.totalScrapes
	e.parseFailures.Collect(ch)
	e.retries.Collect(ch)
	e.logins.Collect(ch)
	e.clientRequestCount.Collect(ch)
	e.clientRequestDuration.Collect(ch)
}

// collectSnapshot emits the per-channel metrics. Label values come straight
// from the page, so a metric that cannot be built is logged and left out.
func collectSnapshot(ch chan<- prometheus.Metric, snapshot *Snapshot) {
	send := func(desc *prometheus.Desc, valueType prometheus.ValueType, value float64, label string) {
		m, err := prometheus.NewConstMetric(desc, valueType, value, label)
		if err != nil {
			log.Errorln(err)
			return
		}
		ch <- m
	}
	gauge := func(desc *prometheus.Desc, v Value, label string) {
		if f, ok := v.Float64(); ok {
			send(desc, prometheus.GaugeValue, f, label)
		}
	}
	counter := func(desc *prometheus.Desc, v Value, label string) {
		if f, ok := v.Float64(); ok {
			send(desc, prometheus.CounterValue, f, label)
		}
	}

	// Channel ids repeat on some firmware versions; the first row wins.
	seen := map[string]bool{}
	for _, c := range snapshot.Downstream {
		if seen[c.Channel] {
			continue
		}
		seen[c.Channel] = true
		send(downstreamLocked, prometheus.GaugeValue, boolValue(isLocked(c.LockStatus)), c.Channel)
		gauge(downstreamFrequency, c.Frequency, c.Channel)
		gauge(downstreamSNR, c.SNR, c.Channel)
		gauge(downstreamPower, c.PowerLevel, c.Channel)
	}

	seen = map[string]bool{}
	for _, c := range snapshot.Upstream {
		if seen[c.Channel] {
			continue
		}
		seen[c.Channel] = true
		send(upstreamLocked, prometheus.GaugeValue, boolValue(isLocked(c.LockStatus)), c.Channel)
		gauge(upstreamFrequency, c.Frequency, c.Channel)
		gauge(upstreamSymbolRate, c.SymbolRate, c.Channel)
		gauge(upstreamPower, c.PowerLevel, c.Channel)
	}

	for i, c := range snapshot.Error {
		index := strconv.Itoa(i)
		counter(codewordsUnerrored, c.Unerrored, index)
		counter(codewordsCorrected, c.Correctable, index)
		counter(codewordsUncorrect, c.Uncorrectable, index)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
