// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"github.com/mbeema/frametrace/pkg/event"
	"go.uber.org/zap"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ClickHouseSink writes one row per record into a raw events table:
//
//	session_id UUID, timestamp DateTime64(6), event_type LowCardinality(String), event_params String
//
// event_params holds the record's location and payload as JSON.
type ClickHouseSink struct {
	logger    *zap.Logger
	conn      clickhouse.Conn
	table     string
	sessionID uuid.UUID

	mu           sync.Mutex
	tableCreated bool
}

// NewClickHouseSink opens a ClickHouse connection for "host:port/database".
// The connection is established lazily by the driver; the table is created on
// the first successful Send.
func NewClickHouseSink(target string, o Options, logger *zap.Logger) (*ClickHouseSink, error) {
	addr, database, err := parseClickHouseTarget(target)
	if err != nil {
		return nil, err
	}

	table := o.Sink.Table
	if table == "" {
		table = "raw_events"
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}

	dialTimeout := o.SendTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: o.Sink.Username,
			Password: o.Sink.Password,
		},
		Settings: clickhouse.Settings{
			"async_insert":          1,
			"wait_for_async_insert": 1,
		},
		DialTimeout:      dialTimeout,
		MaxOpenConns:     2,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse %s: %w", addr, err)
	}

	return &ClickHouseSink{
		logger:    logger,
		conn:      conn,
		table:     table,
		sessionID: o.SessionID,
	}, nil
}

// parseClickHouseTarget splits "host:port/database". The database defaults
// to "default" and the port to 9000.
func parseClickHouseTarget(target string) (addr, database string, err error) {
	addr, database, _ = strings.Cut(target, "/")
	if addr == "" {
		return "", "", fmt.Errorf("clickhouse endpoint %q has no host", target)
	}
	if !strings.Contains(addr, ":") {
		addr += ":9000"
	}
	database = strings.Trim(database, "/")
	if database == "" {
		database = "default"
	}
	return addr, database, nil
}

func (s *ClickHouseSink) ensureTable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tableCreated {
		return nil
	}

	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			session_id UUID,
			timestamp DateTime64(6),
			event_type LowCardinality(String),
			event_params String
		) ENGINE = MergeTree()
		ORDER BY (session_id, timestamp)
	`, s.table)

	if err := s.conn.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	s.tableCreated = true
	s.logger.Info("clickhouse table ready", zap.String("table", s.table))
	return nil
}

// Send implements dispatch.Sink.
func (s *ClickHouseSink) Send(ctx context.Context, batch []event.Record) error {
	if len(batch) == 0 {
		return nil
	}

	if err := s.ensureTable(ctx); err != nil {
		return err
	}

	b, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return fmt.Errorf("prepare batch for %s: %w", s.table, err)
	}

	for _, r := range batch {
		row, err := rawEventRow(s.sessionID, r)
		if err != nil {
			b.Abort()
			return err
		}
		if err := b.Append(row...); err != nil {
			b.Abort()
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := b.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// rawEventRow converts a record to the column values of the raw events table.
func rawEventRow(sessionID uuid.UUID, r event.Record) ([]any, error) {
	params, err := json.Marshal(paramsOf(r))
	if err != nil {
		return nil, fmt.Errorf("encode event params: %w", err)
	}
	return []any{
		sessionID,
		r.Timestamp().UTC(),
		"function" + r.Kind().String(),
		string(params),
	}, nil
}

// Shutdown closes the connection pool.
func (s *ClickHouseSink) Shutdown(ctx context.Context) error {
	return s.conn.Close()
}
