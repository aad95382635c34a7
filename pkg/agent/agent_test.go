// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mbeema/frametrace/pkg/config"
	"github.com/mbeema/frametrace/pkg/dispatch"
	"github.com/mbeema/frametrace/pkg/event"
	"github.com/mbeema/frametrace/pkg/hook"
	"github.com/mbeema/frametrace/pkg/host"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memSink struct {
	mu       sync.Mutex
	records  []event.Record
	shutdown bool
}

func (s *memSink) Send(_ context.Context, batch []event.Record) error {
	s.mu.Lock()
	s.records = append(s.records, batch...)
	s.mu.Unlock()
	return nil
}

func (s *memSink) Shutdown(context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	return nil
}

func (s *memSink) kinds() []event.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Kind, len(s.records))
	for i, r := range s.records {
		out[i] = r.Kind()
	}
	return out
}

type foreignHook struct{}

func (foreignHook) Trace(host.Frame, string, any) host.Hook { return nil }

var checkout = &host.Func{File: "app/orders.py", Name: "checkout", FirstLine: 10, Body: []host.Step{
	{Line: 11},
	{Line: 12, Result: 42},
}}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Health.Enabled = false
	cfg.SinkEndpoint = "stdout://"
	return cfg
}

func newTestTracer(t *testing.T, cfg *config.Config) (*Tracer, *host.Machine, *memSink) {
	t.Helper()
	m := host.NewMachine()
	sink := &memSink{}
	tr, err := NewWithOptions(cfg, m, Options{Sink: sink}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	return tr, m, sink
}

func TestTracerEndToEnd(t *testing.T) {
	tr, m, sink := newTestTracer(t, testConfig())
	ctx := context.Background()

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Run(checkout); err != nil {
		t.Fatalf("Run: %v", err)
	}
	tr.Flush(ctx)

	got := sink.kinds()
	want := []event.Kind{event.KindCall, event.KindLine, event.KindLine, event.KindReturn}
	if len(got) != len(want) {
		t.Fatalf("got %d records (%v), want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d kind = %s, want %s", i, got[i], want[i])
		}
	}

	st := tr.Stats()
	if st.Sent != 4 || st.Dropped != 0 || st.Errors != 0 || !st.Installed {
		t.Errorf("unexpected stats: %+v", st)
	}

	if err := tr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if m.Hook() != nil {
		t.Error("hook slot not restored after shutdown")
	}
	if !sink.shutdown {
		t.Error("sink not shut down")
	}
}

func TestTracerStartDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	tr, m, sink := newTestTracer(t, cfg)
	ctx := context.Background()

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Shutdown(ctx)

	m.Run(checkout)
	tr.Flush(ctx)
	if n := len(sink.kinds()); n != 0 {
		t.Fatalf("disabled tracer recorded %d events", n)
	}

	if err := tr.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	m.Run(checkout)
	tr.Flush(ctx)
	if n := len(sink.kinds()); n != 4 {
		t.Fatalf("got %d records after Enable, want 4", n)
	}
}

func TestTracerStartFailsOnOccupiedSlot(t *testing.T) {
	tr, m, _ := newTestTracer(t, testConfig())
	m.SetHook(foreignHook{})

	err := tr.Start(context.Background())
	if !errors.Is(err, hook.ErrSlotOccupied) {
		t.Fatalf("Start err = %v, want ErrSlotOccupied", err)
	}
	tr.Shutdown(context.Background())
	if _, ok := m.Hook().(foreignHook); !ok {
		t.Error("foreign hook was displaced")
	}
}

func TestTracerStartRetriesAfterSlotFrees(t *testing.T) {
	tr, m, sink := newTestTracer(t, testConfig())
	ctx := context.Background()
	defer tr.Shutdown(ctx)

	m.SetHook(foreignHook{})
	if err := tr.Start(ctx); !errors.Is(err, hook.ErrSlotOccupied) {
		t.Fatalf("first Start err = %v, want ErrSlotOccupied", err)
	}

	m.SetHook(nil)
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !tr.Stats().Installed {
		t.Fatal("hook not installed after second Start")
	}
	m.Run(checkout)
	tr.Flush(ctx)
	if n := len(sink.kinds()); n != 4 {
		t.Errorf("got %d records, want 4", n)
	}
}

func TestTracerEnableRacesShutdown(t *testing.T) {
	for i := 0; i < 50; i++ {
		cfg := testConfig()
		cfg.Enabled = false
		tr, m, _ := newTestTracer(t, cfg)
		ctx := context.Background()
		if err := tr.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := tr.Enable()
			if err != nil && !errors.Is(err, dispatch.ErrShutdown) {
				t.Errorf("Enable: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			tr.Shutdown(ctx)
		}()
		wg.Wait()

		if m.Hook() != nil {
			t.Fatalf("run %d: hook left installed after Shutdown", i)
		}
	}
}

func TestTracerChainedKeepsForeignHook(t *testing.T) {
	cfg := testConfig()
	cfg.InstallationMode = "chained"
	tr, m, sink := newTestTracer(t, cfg)
	m.SetHook(foreignHook{})
	ctx := context.Background()

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Run(checkout)
	tr.Flush(ctx)
	if n := len(sink.kinds()); n != 4 {
		t.Errorf("got %d records, want 4", n)
	}

	tr.Shutdown(ctx)
	if _, ok := m.Hook().(foreignHook); !ok {
		t.Errorf("slot holds %T after shutdown, want foreignHook", m.Hook())
	}
}

func TestTracerReload(t *testing.T) {
	tr, m, sink := newTestTracer(t, testConfig())
	ctx := context.Background()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Shutdown(ctx)

	next := testConfig()
	next.Tracing.Kinds = []string{"call"}
	next.BufferCapacity = 16
	if err := tr.Reload(next); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	m.Run(checkout)
	tr.Flush(ctx)
	got := sink.kinds()
	if len(got) != 1 || got[0] != event.KindCall {
		t.Fatalf("after narrowing kinds got %v, want [call]", got)
	}

	off := testConfig()
	off.Enabled = false
	if err := tr.Reload(off); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if tr.Stats().Installed {
		t.Error("hook still installed after reload with enabled=false")
	}

	bad := testConfig()
	bad.SampleRate = 0
	if err := tr.Reload(bad); err == nil {
		t.Error("expected error for invalid reload")
	}
}

func TestTracerShutdownIsFinal(t *testing.T) {
	tr, _, _ := newTestTracer(t, testConfig())
	ctx := context.Background()
	tr.Start(ctx)

	if err := tr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := tr.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if err := tr.Enable(); !errors.Is(err, dispatch.ErrShutdown) {
		t.Errorf("Enable after Shutdown err = %v, want ErrShutdown", err)
	}
	if err := tr.Start(ctx); !errors.Is(err, dispatch.ErrShutdown) {
		t.Errorf("Start after Shutdown err = %v, want ErrShutdown", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.InstallationMode = "shared"
	if _, err := New(cfg, host.NewMachine(), zap.NewNop()); err == nil {
		t.Error("expected error for invalid installation mode")
	}
}

func TestTracerHealthEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.Health.Enabled = true
	cfg.Health.Port = "127.0.0.1:0"
	tr, _, _ := newTestTracer(t, cfg)
	ctx := context.Background()

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Shutdown(ctx)
	base := "http://" + tr.healthServer.Addr()

	resp, err := http.Post(base+"/trace/disable", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /trace/disable: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()
	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["installed"] != false {
		t.Errorf("installed = %v after disable", stats["installed"])
	}
	for _, key := range []string{"dropped_count", "error_count", "sent_count"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("stats missing %q", key)
		}
	}
}

func TestTracerShutdownLogsHealthStopError(t *testing.T) {
	cfg := testConfig()
	cfg.Health.Enabled = true
	cfg.Health.Port = "127.0.0.1:0"
	core, logs := observer.New(zapcore.WarnLevel)
	tr, err := NewWithOptions(cfg, host.NewMachine(), Options{Sink: &memSink{}}, zap.New(core))
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A half-written request keeps the connection busy so the server
	// cannot stop before the context expires.
	conn, err := net.Dial("tcp", tr.healthServer.Addr())
	if err != nil {
		t.Fatalf("dial health server: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("GET /health HTTP/1.1\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr.Shutdown(ctx)

	if n := logs.FilterMessage("health server shutdown error").Len(); n != 1 {
		t.Errorf("got %d health shutdown warnings, want 1", n)
	}
}
