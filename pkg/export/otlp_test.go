// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
)

type fakeCollector struct {
	collogspb.UnimplementedLogsServiceServer

	mu       sync.Mutex
	requests []*collogspb.ExportLogsServiceRequest
	rejected int64
}

func (c *fakeCollector) Export(_ context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	resp := &collogspb.ExportLogsServiceResponse{}
	if c.rejected > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
			RejectedLogRecords: c.rejected,
			ErrorMessage:       "quota exceeded",
		}
	}
	return resp, nil
}

func (c *fakeCollector) received() []*collogspb.ExportLogsServiceRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*collogspb.ExportLogsServiceRequest(nil), c.requests...)
}

func startCollector(t *testing.T, c *fakeCollector) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	collogspb.RegisterLogsServiceServer(srv, c)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestGRPCSinkExports(t *testing.T) {
	c := &fakeCollector{}
	addr := startCollector(t, c)

	sink, err := NewGRPCSink(addr, testOptions("gzip"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGRPCSink: %v", err)
	}
	defer sink.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Send(ctx, sampleBatch()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	reqs := c.received()
	if len(reqs) != 1 {
		t.Fatalf("collector got %d requests, want 1", len(reqs))
	}
	logs := reqs[0].ResourceLogs[0].ScopeLogs[0].LogRecords
	if len(logs) != 2 {
		t.Fatalf("got %d log records, want 2", len(logs))
	}
	if logs[0].TimeUnixNano > logs[1].TimeUnixNano {
		t.Error("records arrived out of order")
	}
	if scope := reqs[0].ResourceLogs[0].ScopeLogs[0].Scope; scope.Name != scopeName {
		t.Errorf("scope = %q, want %q", scope.Name, scopeName)
	}
}

func TestGRPCSinkLogsPartialSuccess(t *testing.T) {
	c := &fakeCollector{rejected: 1}
	addr := startCollector(t, c)

	core, logs := observer.New(zapcore.WarnLevel)
	sink, err := NewGRPCSink(addr, testOptions("none"), zap.New(core))
	if err != nil {
		t.Fatalf("NewGRPCSink: %v", err)
	}
	defer sink.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Send(ctx, sampleBatch()); err != nil {
		t.Fatalf("partial success must not fail the batch: %v", err)
	}
	if logs.FilterMessage("collector rejected part of a batch").Len() != 1 {
		t.Errorf("expected a partial success warning, got %d logs", logs.Len())
	}
}

func TestGRPCSinkUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	sink, err := NewGRPCSink(addr, testOptions("gzip"), zap.NewNop())
	if err != nil {
		t.Fatalf("dial should be lazy, got %v", err)
	}
	defer sink.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := sink.Send(ctx, sampleBatch()); err == nil {
		t.Error("expected Send to fail against a closed port")
	}
}
