package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matgreaves/stackup/server"
	"github.com/matgreaves/stackup/server/backend/backendtest"
	"github.com/matgreaves/stackup/spec"
)

// newTestServer runs the stack to steady state and serves its monitor.
func newTestServer(t *testing.T, stack spec.Stack, b *backendtest.Backend) (*httptest.Server, *server.Orchestrator) {
	t.Helper()
	reg := prometheus.NewRegistry()
	o := newOrchestrator(t, stack, b, server.WithMetrics(server.NewMetrics(reg)))
	up(t, o)

	ts := httptest.NewServer(server.NewServer(o, reg))
	t.Cleanup(ts.Close)
	return ts, o
}

// sseTransitions connects to url as a text/event-stream client and returns
// a channel of parsed transitions. The channel is closed when the
// connection ends or ctx is cancelled.
func sseTransitions(t *testing.T, ctx context.Context, url, lastID string) <-chan server.Transition {
	t.Helper()
	ch := make(chan server.Transition, 64)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	go func() {
		defer close(ch)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && data != "":
				var tr server.Transition
				if json.Unmarshal([]byte(data), &tr) == nil {
					select {
					case ch <- tr:
					case <-ctx.Done():
						return
					}
				}
				data = ""
			}
		}
	}()

	return ch
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestServer_Status(t *testing.T) {
	is := is.New(t)
	ts, o := newTestServer(t, stackOf(svc("db"), svc("api", healthy("db"))), backendtest.New())

	var snap server.Snapshot
	is.Equal(getJSON(t, ts.URL+"/status", &snap), http.StatusOK)
	is.Equal(snap.Seq, o.Status().Seq)
	is.Equal(len(snap.Services), 2)
	is.Equal(snap.Services[0].Name, "db")
	is.Equal(snap.Services[1].Phase, spec.PhaseHealthy)

	var st server.ServiceState
	is.Equal(getJSON(t, ts.URL+"/status/api", &st), http.StatusOK)
	is.Equal(st.Name, "api")

	var e map[string]string
	is.Equal(getJSON(t, ts.URL+"/status/nope", &e), http.StatusNotFound)
	is.Equal(e["error"], "service not found")
}

func TestServer_Report(t *testing.T) {
	is := is.New(t)
	b := backendtest.New().Script("migrate", backendtest.Run{Exit: true, ExitCode: 1})
	ts, _ := newTestServer(t, stackOf(svc("migrate"), svc("api", completed("migrate"))), b)

	var rep server.Report
	is.Equal(getJSON(t, ts.URL+"/report", &rep), http.StatusServiceUnavailable)
	is.True(!rep.OK)
	is.Equal(len(rep.Services), 2)
	is.Equal(rep.Services[0].Phase, spec.PhaseFailed)
	is.True(rep.Services[0].OneShot)
	is.Equal(rep.Services[1].Phase, spec.PhaseBlocked)
}

func TestServer_EventsReplayAndResume(t *testing.T) {
	ts, o := newTestServer(t, stackOf(svc("db"), svc("api", started("db"))), backendtest.New())
	log := o.State().Transitions()
	if len(log) == 0 {
		t.Fatal("empty transition log after up")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := sseTransitions(t, ctx, ts.URL+"/events", "")
	for _, want := range log {
		select {
		case got := <-ch:
			if got.Seq != want.Seq || got.Service != want.Service || got.To != want.To {
				t.Errorf("replayed %d %s→%s, want %d %s→%s", got.Seq, got.Service, got.To, want.Seq, want.Service, want.To)
			}
		case <-ctx.Done():
			t.Fatal("stream ended before replay finished")
		}
	}

	// Resuming after the last seen transition only yields new ones.
	last := log[len(log)-1]
	resumed := sseTransitions(t, ctx, ts.URL+"/events", strconv.FormatUint(last.Seq, 10))
	if err := o.Stop(ctx, "api"); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-resumed:
		if got.Seq <= last.Seq {
			t.Errorf("resumed stream replayed seq %d, already saw %d", got.Seq, last.Seq)
		}
		if got.Service != "api" || got.To != spec.PhaseExited {
			t.Errorf("got %s→%s, want api→exited", got.Service, got.To)
		}
	case <-ctx.Done():
		t.Fatal("no transition after resume")
	}
}

func TestServer_Metrics(t *testing.T) {
	ts, _ := newTestServer(t, stackOf(svc("db")), backendtest.New())

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		`stackup_launches_total{service="db"} 1`,
		`stackup_service_phase{phase="healthy",service="db"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
