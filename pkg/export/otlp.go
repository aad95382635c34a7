// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/mbeema/frametrace/pkg/event"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
)

// GRPCSink sends record batches as OTLP logs over gRPC with automatic
// reconnection.
type GRPCSink struct {
	logger   *zap.Logger
	res      resourceAttrs
	endpoint string
	opts     []grpc.DialOption

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient
}

// NewGRPCSink creates an OTLP gRPC sink for host:port. Dialing is
// non-blocking; an unreachable collector shows up as Send errors.
func NewGRPCSink(target string, o Options, logger *zap.Logger) (*GRPCSink, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if o.Sink.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		// System roots. TODO: load a private CA once sink.tls_ca exists.
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}

	if o.Sink.Compression == "" || o.Sink.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	s := &GRPCSink{
		logger:   logger,
		res:      o.resourceAttrs(),
		endpoint: target,
		opts:     opts,
	}

	if err := s.connect(); err != nil {
		return nil, err
	}

	return s, nil
}

// connect establishes or re-establishes the gRPC connection.
func (s *GRPCSink) connect() error {
	conn, err := grpc.Dial(s.endpoint, s.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", s.endpoint, err)
	}

	s.conn = conn
	s.logSvc = collogspb.NewLogsServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (s *GRPCSink) ensureConnected() error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return s.reconnect()
	}

	switch conn.GetState() {
	case connectivity.Shutdown:
		return s.reconnect()
	default:
		// TransientFailure recovers on its own; Send reports the error.
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (s *GRPCSink) reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		if s.conn.GetState() != connectivity.Shutdown {
			return nil
		}
		s.conn.Close()
	}

	s.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", s.endpoint))

	if err := s.connect(); err != nil {
		s.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	return nil
}

// Send implements dispatch.Sink.
func (s *GRPCSink) Send(ctx context.Context, batch []event.Record) error {
	if len(batch) == 0 {
		return nil
	}

	if err := s.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	s.mu.RLock()
	svc := s.logSvc
	s.mu.RUnlock()

	resp, err := svc.Export(ctx, s.res.logsRequest(batch))
	if err != nil {
		return fmt.Errorf("export %d records: %w", len(batch), err)
	}

	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedLogRecords() > 0 {
		s.logger.Warn("collector rejected part of a batch",
			zap.Int64("rejected", ps.GetRejectedLogRecords()),
			zap.String("reason", ps.GetErrorMessage()),
		)
	}
	return nil
}

// Shutdown closes the gRPC connection.
func (s *GRPCSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
