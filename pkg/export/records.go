// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"fmt"
	"os"
	"runtime"
	"unicode/utf8"

	"github.com/mbeema/frametrace/pkg/event"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

const (
	scopeName    = "frametrace"
	scopeVersion = "0.1.0"
)

// Attribute keys. code.* follow the OTel semantic conventions.
const (
	attrEvent       = "frametrace.event"
	attrFrameID     = "frametrace.frame_id"
	attrParentFrame = "frametrace.parent_frame_id"
	attrSessionID   = "frametrace.session.id"
	attrReturnType  = "frametrace.return_type"
	attrThreadID    = "thread.id"
	attrFilepath    = "code.filepath"
	attrFunction    = "code.function"
	attrLineno      = "code.lineno"
	attrExcType     = "exception.type"
	attrExcMessage  = "exception.message"
)

// eventParams is the flat JSON shape of a record, shared by the stdout and
// ClickHouse sinks.
type eventParams struct {
	FrameID          uint64 `json:"frame_id"`
	ParentFrameID    uint64 `json:"parent_frame_id,omitempty"`
	ThreadID         uint64 `json:"thread_id,omitempty"`
	FunctionFilename string `json:"function_filename,omitempty"`
	FunctionName     string `json:"function_name,omitempty"`
	FunctionLineno   int    `json:"function_lineno,omitempty"`
	Line             int    `json:"line,omitempty"`
	ExceptionType    string `json:"exception_type,omitempty"`
	ExceptionMessage string `json:"exception_message,omitempty"`
	ReturnType       string `json:"return_type,omitempty"`
}

func paramsOf(r event.Record) eventParams {
	loc := r.Location()
	p := r.Payload()
	return eventParams{
		FrameID:          r.FrameID(),
		ParentFrameID:    r.ParentFrameID(),
		ThreadID:         r.ThreadID(),
		FunctionFilename: sanitizeUTF8(loc.File),
		FunctionName:     sanitizeUTF8(loc.Function),
		FunctionLineno:   loc.FirstLine,
		Line:             loc.Line,
		ExceptionType:    sanitizeUTF8(p.ExceptionType),
		ExceptionMessage: sanitizeUTF8(p.ExceptionMessage),
		ReturnType:       p.ReturnType,
	}
}

// describe renders a one-line summary such as "call main (app/main.py:12)".
func describe(r event.Record) string {
	loc := r.Location()
	switch {
	case !loc.Known():
		return fmt.Sprintf("%s <native frame %d>", r.Kind(), r.FrameID())
	case loc.Line > 0:
		return fmt.Sprintf("%s %s (%s:%d)", r.Kind(), loc.Function, loc.File, loc.Line)
	default:
		return fmt.Sprintf("%s %s (%s)", r.Kind(), loc.Function, loc.File)
	}
}

// resourceAttrs describes the traced process.
type resourceAttrs struct {
	serviceName    string
	serviceVersion string
	deploymentEnv  string
	sessionID      string
}

func (ra resourceAttrs) resource() *resourcepb.Resource {
	hostname, _ := os.Hostname()
	pid := os.Getpid()

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", ra.serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}

	if ra.serviceVersion != "" {
		attrs = append(attrs, strAttr("service.version", ra.serviceVersion))
	}
	if ra.deploymentEnv != "" {
		attrs = append(attrs, strAttr("deployment.environment", ra.deploymentEnv))
	}
	if ra.sessionID != "" {
		attrs = append(attrs, strAttr(attrSessionID, ra.sessionID))
	}

	return &resourcepb.Resource{Attributes: attrs}
}

// logsRequest wraps a batch as one ResourceLogs. Records keep their order.
func (ra resourceAttrs) logsRequest(batch []event.Record) *collogspb.ExportLogsServiceRequest {
	protoLogs := make([]*logspb.LogRecord, 0, len(batch))
	for _, r := range batch {
		protoLogs = append(protoLogs, convertRecord(r))
	}

	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{
			{
				Resource: ra.resource(),
				ScopeLogs: []*logspb.ScopeLogs{
					{
						Scope: &commonpb.InstrumentationScope{
							Name:    scopeName,
							Version: scopeVersion,
						},
						LogRecords: protoLogs,
					},
				},
			},
		},
	}
}

// convertRecord maps an event record to an OTLP log record.
func convertRecord(r event.Record) *logspb.LogRecord {
	pl := &logspb.LogRecord{
		TimeUnixNano: uint64(r.Timestamp().UnixNano()),
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(describe(r))},
		},
		SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_TRACE,
		SeverityText:   "TRACE",
	}
	if r.Kind() == event.KindException {
		pl.SeverityNumber = logspb.SeverityNumber_SEVERITY_NUMBER_ERROR
		pl.SeverityText = "ERROR"
	}

	attrs := []*commonpb.KeyValue{
		strAttr(attrEvent, r.Kind().String()),
		intAttr(attrFrameID, int64(r.FrameID())),
	}
	if id := r.ParentFrameID(); id != 0 {
		attrs = append(attrs, intAttr(attrParentFrame, int64(id)))
	}
	if id := r.ThreadID(); id != 0 {
		attrs = append(attrs, intAttr(attrThreadID, int64(id)))
	}

	loc := r.Location()
	if loc.File != "" {
		attrs = append(attrs, strAttr(attrFilepath, sanitizeUTF8(loc.File)))
	}
	if loc.Function != "" {
		attrs = append(attrs, strAttr(attrFunction, sanitizeUTF8(loc.Function)))
	}
	if loc.Line > 0 {
		attrs = append(attrs, intAttr(attrLineno, int64(loc.Line)))
	}

	p := r.Payload()
	if p.ExceptionType != "" {
		attrs = append(attrs, strAttr(attrExcType, sanitizeUTF8(p.ExceptionType)))
	}
	if p.ExceptionMessage != "" {
		attrs = append(attrs, strAttr(attrExcMessage, sanitizeUTF8(p.ExceptionMessage)))
	}
	if p.ReturnType != "" {
		attrs = append(attrs, strAttr(attrReturnType, p.ReturnType))
	}

	pl.Attributes = attrs
	return pl
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the Unicode replacement
// character. File names from the host are raw bytes; protobuf marshaling
// rejects invalid UTF-8 in string fields.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}
