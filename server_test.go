package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
)

func newTestServer(t *testing.T, store *SnapshotStore) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewExporter(store))
	s := NewServer(store, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), "/metrics", log.NewNopLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, http.Header, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, resp.Header, string(body)
}

func TestServer_JSONBeforeFirstPoll(t *testing.T) {
	srv := newTestServer(t, NewSnapshotStore())

	code, header, body := get(t, srv.URL+"/json")
	if code != http.StatusOK {
		t.Fatalf("status: got %d", code)
	}
	if ct := header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type: got %q", ct)
	}
	want := `{"downstream":[],"upstream":[],"error":[],"uptime":0,"uptime_total":0}` + "\n"
	if body != want {
		t.Errorf("body:\n got %s\nwant %s", body, want)
	}
}

func TestServer_JSONServesSnapshot(t *testing.T) {
	store := NewSnapshotStore()
	store.Replace(&Snapshot{
		Downstream: []DownstreamChannel{
			{Channel: "13", LockStatus: "Locked", Frequency: "591", SNR: "38.6", PowerLevel: "2.3"},
		},
		Upstream: []UpstreamChannel{
			{Channel: "3", LockStatus: "Locked", Frequency: "30", SymbolRate: "5120", PowerLevel: "42.3"},
		},
		Error: []ErrorCounters{
			{Unerrored: "100", Correctable: "1", Uncorrectable: "n/a"},
		},
		Uptime:      11045,
		UptimeTotal: 183845,
		CollectedAt: testTime,
	})
	srv := newTestServer(t, store)

	_, _, body := get(t, srv.URL+"/json")

	var got map[string]interface{}
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decoding %s: %v", body, err)
	}
	ds := got["downstream"].([]interface{})[0].(map[string]interface{})
	if ds["frequency_hz"] != 591.0 || ds["snr_db"] != 38.6 || ds["channel"] != "13" {
		t.Errorf("downstream: got %v", ds)
	}
	us := got["upstream"].([]interface{})[0].(map[string]interface{})
	if us["symbol_rate"] != 5120.0 || us["power_level_dbmv"] != 42.3 {
		t.Errorf("upstream: got %v", us)
	}
	er := got["error"].([]interface{})[0].(map[string]interface{})
	if er["uncorrectable"] != "n/a" {
		t.Errorf("non-numeric value should stay a string, got %v", er["uncorrectable"])
	}
	if got["uptime"] != 11045.0 || got["uptime_total"] != 183845.0 {
		t.Errorf("uptime: got %v/%v", got["uptime"], got["uptime_total"])
	}
	if _, ok := got["CollectedAt"]; ok {
		t.Error("collection time must not be exposed")
	}
}

func TestServer_JSONMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, NewSnapshotStore())

	resp, err := http.Post(srv.URL+"/json", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "GET, HEAD" {
		t.Errorf("Allow: got %q", allow)
	}
}

func TestServer_Metrics(t *testing.T) {
	store := NewSnapshotStore()
	srv := newTestServer(t, store)

	_, _, body := get(t, srv.URL+"/metrics")
	if !strings.Contains(body, "xb3_up 0") {
		t.Errorf("expected xb3_up 0 before the first poll:\n%s", body)
	}

	store.Replace(&Snapshot{UptimeTotal: 42, CollectedAt: testTime})
	_, _, body = get(t, srv.URL+"/metrics")
	for _, want := range []string{"xb3_up 1", "xb3_uptime_seconds 42"} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestServer_Index(t *testing.T) {
	srv := newTestServer(t, NewSnapshotStore())

	code, _, body := get(t, srv.URL+"/")
	if code != http.StatusOK || !strings.Contains(body, "/metrics") {
		t.Errorf("index: got %d %s", code, body)
	}
	if code, _, _ := get(t, srv.URL+"/nope"); code != http.StatusNotFound {
		t.Errorf("unknown path: got %d", code)
	}
}

// Readers racing the poll loop must always see one whole snapshot.
func TestServer_ConcurrentReadsDuringSwaps(t *testing.T) {
	store := NewSnapshotStore()
	srv := newTestServer(t, store)

	stop := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for n := 1; ; n++ {
			select {
			case <-stop:
				return
			default:
			}
			s := emptySnapshot()
			for i := 0; i < n%8; i++ {
				s.Downstream = append(s.Downstream, DownstreamChannel{Channel: fmt.Sprint(i)})
			}
			s.Uptime = int64(len(s.Downstream))
			s.CollectedAt = testTime
			store.Replace(s)
		}
	}()

	var readers sync.WaitGroup
	errs := make(chan error, 8)
	for r := 0; r < 8; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 50; i++ {
				resp, err := http.Get(srv.URL + "/json")
				if err != nil {
					errs <- err
					return
				}
				var s Snapshot
				err = json.NewDecoder(resp.Body).Decode(&s)
				resp.Body.Close()
				if err != nil {
					errs <- err
					return
				}
				if int64(len(s.Downstream)) != s.Uptime {
					errs <- fmt.Errorf("torn snapshot: %d channels, uptime %d", len(s.Downstream), s.Uptime)
					return
				}
			}
		}()
	}
	readers.Wait()
	close(stop)
	writer.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := NewServer(NewSnapshotStore(), nil, "/metrics", log.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := s.Start(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	code, _, _ := get(t, "http://"+addr.String()+"/json")
	if code != http.StatusOK {
		t.Errorf("status: got %d", code)
	}

	cancel()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	if _, err := http.Get("http://" + addr.String() + "/json"); err == nil {
		t.Error("server still accepting requests after shutdown")
	}
}

func TestServer_StartInvalidAddress(t *testing.T) {
	s := NewServer(NewSnapshotStore(), nil, "/metrics", log.NewNopLogger())
	if _, err := s.Start(context.Background(), "256.0.0.1:bad"); err == nil {
		t.Error("expected listen error")
	}
}
