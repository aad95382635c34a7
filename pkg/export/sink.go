// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package export holds the sinks that receive record batches from the
// dispatcher: OTLP logs over gRPC or HTTP, a ClickHouse raw events table,
// and stdout for debugging.
package export

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mbeema/frametrace/pkg/config"
	"github.com/mbeema/frametrace/pkg/dispatch"
	"go.uber.org/zap"
)

// Options carries the identity and transport settings shared by all sinks.
type Options struct {
	ServiceName    string
	ServiceVersion string
	DeploymentEnv  string
	SessionID      uuid.UUID

	Sink        config.SinkConfig
	SendTimeout time.Duration

	// Stdout is where the stdout sink writes. Nil means os.Stdout.
	Stdout io.Writer
}

// OptionsFromConfig builds sink options from the tracer config.
func OptionsFromConfig(cfg *config.Config, sessionID uuid.UUID) Options {
	return Options{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		DeploymentEnv:  cfg.DeploymentEnv,
		SessionID:      sessionID,
		Sink:           cfg.Sink,
		SendTimeout:    cfg.Dispatch.SendTimeout,
	}
}

func (o Options) resourceAttrs() resourceAttrs {
	ra := resourceAttrs{
		serviceName:    o.ServiceName,
		serviceVersion: o.ServiceVersion,
		deploymentEnv:  o.DeploymentEnv,
	}
	if o.SessionID != uuid.Nil {
		ra.sessionID = o.SessionID.String()
	}
	return ra
}

// New creates the sink selected by the endpoint scheme.
func New(endpoint string, o Options, logger *zap.Logger) (dispatch.Sink, error) {
	scheme, target, err := config.ParseSinkEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("sink endpoint: %w", err)
	}

	switch scheme {
	case config.SchemeGRPC:
		return NewGRPCSink(target, o, logger)
	case config.SchemeHTTP, config.SchemeHTTPS:
		return NewHTTPSink(target, o, logger)
	case config.SchemeClickHouse:
		return NewClickHouseSink(target, o, logger)
	case config.SchemeStdout:
		out := o.Stdout
		if out == nil {
			out = os.Stdout
		}
		sid := ""
		if o.SessionID != uuid.Nil {
			sid = o.SessionID.String()
		}
		return NewStdoutSink(target, sid, out), nil
	default:
		return nil, fmt.Errorf("no sink for scheme %q", scheme)
	}
}
