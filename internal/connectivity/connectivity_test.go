package connectivity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMonitorNotifiesOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(false)
	var got []bool
	unsubscribe := m.Subscribe(func(online bool) { got = append(got, online) })

	m.Set(false)
	m.Set(true)
	m.Set(true)
	m.Set(false)

	if diff := cmp.Diff([]bool{true, false}, got); diff != "" {
		t.Errorf("Transitions mismatch (-want +got):\n%s", diff)
	}

	unsubscribe()
	unsubscribe()
	m.Set(true)
	if len(got) != 2 {
		t.Errorf("Expected no delivery after unsubscribe, got %v", got)
	}
	if !m.Online() {
		t.Error("Expected monitor to be online")
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Expected HEAD, got %s", r.Method)
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))

	m := NewMonitor(false)
	p := NewProber(m, srv.URL, time.Hour)

	if !p.Probe() || !m.Online() {
		t.Fatal("Expected any HTTP response to count as online")
	}

	srv.Close()
	if p.Probe() || m.Online() {
		t.Error("Expected closed server to count as offline")
	}
}

func TestProberStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := NewMonitor(false)
	changed := make(chan bool, 1)
	m.Subscribe(func(online bool) { changed <- online })

	p := NewProber(m, srv.URL, time.Hour)
	p.Start()
	defer p.Stop()

	select {
	case online := <-changed:
		if !online {
			t.Error("Expected initial probe to report online")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for initial probe")
	}

	p.Stop()
}
