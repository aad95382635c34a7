// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbeema/frametrace/pkg/event"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

const logsPath = "/v1/logs"

// HTTPSink sends record batches as OTLP logs over HTTP/protobuf.
type HTTPSink struct {
	logger      *zap.Logger
	res         resourceAttrs
	url         string
	compression string
	headers     map[string]string
	client      *http.Client
}

// NewHTTPSink creates an OTLP HTTP sink. rawURL is the collector base URL;
// when it has no path, /v1/logs is appended.
func NewHTTPSink(rawURL string, o Options, logger *zap.Logger) (*HTTPSink, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse OTLP HTTP endpoint: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("OTLP HTTP endpoint %q has no host", rawURL)
	}
	if strings.Trim(u.Path, "/") == "" {
		u.Path = logsPath
	}

	compression := o.Sink.Compression
	if compression == "" {
		compression = "gzip"
	}

	timeout := o.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPSink{
		logger:      logger,
		res:         o.resourceAttrs(),
		url:         u.String(),
		compression: compression,
		headers:     o.Sink.Headers,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Send implements dispatch.Sink.
func (s *HTTPSink) Send(ctx context.Context, batch []event.Record) error {
	if len(batch) == 0 {
		return nil
	}
	return s.post(ctx, s.res.logsRequest(batch))
}

// post sends a protobuf-encoded request to the OTLP HTTP endpoint.
func (s *HTTPSink) post(ctx context.Context, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal protobuf: %w", err)
	}

	var body io.Reader = bytes.NewReader(data)
	contentEncoding := ""

	if s.compression == "gzip" {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return fmt.Errorf("gzip compress: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("gzip close: %w", err)
		}
		body = &buf
		contentEncoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("OTLP HTTP %s returned %d", s.url, resp.StatusCode)
}

// Shutdown closes idle connections.
func (s *HTTPSink) Shutdown(ctx context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}
