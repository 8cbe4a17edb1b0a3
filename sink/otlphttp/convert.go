package otlphttp

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/multierr"

	"github.com/zoobzio/spanz"
)

// ScopeName is the instrumentation scope reported for every span.
const ScopeName = "github.com/zoobzio/spanz"

// Attribute keys set from span metadata rather than payload.
const (
	attrServiceName = "service.name"
	attrStacktrace  = "code.stacktrace"
	attrErrorCount  = "spanz.error_count"
	attrKind        = "spanz.kind"
)

// Convert builds OTLP traces for batch under one resource named service.
// Spans whose ids cannot be decoded are left out and reported in the error;
// the returned traces are usable either way.
func Convert(service string, batch []spanz.Span) (ptrace.Traces, error) {
	td := ptrace.NewTraces()
	rs := td.ResourceSpans().AppendEmpty()
	rs.Resource().Attributes().PutStr(attrServiceName, service)
	ss := rs.ScopeSpans().AppendEmpty()
	ss.Scope().SetName(ScopeName)

	var err error
	out := ss.Spans()
	out.EnsureCapacity(len(batch))
	for i := range batch {
		ids, idErr := decodeIDs(&batch[i])
		if idErr != nil {
			err = multierr.Append(err, idErr)
			continue
		}
		convertSpan(&batch[i], ids, out.AppendEmpty())
	}
	return td, err
}

type spanIDs struct {
	trace  pcommon.TraceID
	span   pcommon.SpanID
	parent pcommon.SpanID
}

func decodeIDs(src *spanz.Span) (spanIDs, error) {
	var ids spanIDs
	var err error
	if ids.trace, err = decodeTraceID(src.TraceID); err != nil {
		return ids, errors.Wrapf(err, "trace id of span %q", src.Name)
	}
	if ids.span, err = decodeSpanID(src.SpanID); err != nil {
		return ids, errors.Wrapf(err, "span id of span %q", src.Name)
	}
	if src.ParentID != "" {
		if ids.parent, err = decodeSpanID(src.ParentID); err != nil {
			return ids, errors.Wrapf(err, "parent id of span %q", src.Name)
		}
	}
	return ids, nil
}

func convertSpan(src *spanz.Span, ids spanIDs, dst ptrace.Span) {
	dst.SetTraceID(ids.trace)
	dst.SetSpanID(ids.span)
	if src.ParentID != "" {
		dst.SetParentSpanID(ids.parent)
	}

	dst.SetName(src.Name)
	dst.SetKind(spanKind(src.Kind))
	dst.SetStartTimestamp(pcommon.NewTimestampFromTime(src.Timestamp))
	dst.SetEndTimestamp(pcommon.NewTimestampFromTime(src.Timestamp.Add(src.Duration)))

	attrs := dst.Attributes()
	attrs.PutStr(attrKind, src.Kind.String())
	putPayload(attrs, src.Payload)
	if len(src.StackFrames) > 0 {
		attrs.PutStr(attrStacktrace, formatStack(src.StackFrames))
	}

	if src.Erroneous {
		attrs.PutInt(attrErrorCount, int64(src.ErrorCount))
		dst.Status().SetCode(ptrace.StatusCodeError)
		if msg, ok := src.Payload["error"].(string); ok {
			dst.Status().SetMessage(msg)
		}
	}
}

func spanKind(kind spanz.Kind) ptrace.SpanKind {
	switch kind {
	case spanz.KindEntry:
		return ptrace.SpanKindServer
	case spanz.KindExit:
		return ptrace.SpanKindClient
	case spanz.KindIntermediate:
		return ptrace.SpanKindInternal
	default:
		return ptrace.SpanKindUnspecified
	}
}

// putPayload copies payload in key order so output is deterministic.
func putPayload(attrs pcommon.Map, payload map[string]any) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs.EnsureCapacity(attrs.Len() + len(keys))
	for _, k := range keys {
		switch v := payload[k].(type) {
		case string:
			attrs.PutStr(k, v)
		case bool:
			attrs.PutBool(k, v)
		case int:
			attrs.PutInt(k, int64(v))
		case int32:
			attrs.PutInt(k, int64(v))
		case int64:
			attrs.PutInt(k, v)
		case uint32:
			attrs.PutInt(k, int64(v))
		case float32:
			attrs.PutDouble(k, float64(v))
		case float64:
			attrs.PutDouble(k, v)
		case time.Duration:
			attrs.PutInt(k, v.Milliseconds())
		case []byte:
			attrs.PutEmptyBytes(k).FromRaw(v)
		case nil:
		default:
			attrs.PutStr(k, fmt.Sprint(v))
		}
	}
}

func formatStack(frames []spanz.StackFrame) string {
	var b strings.Builder
	for i, f := range frames {
		if i > 0 {
			b.WriteByte('\n')
		}
		if f.Type != "" {
			fmt.Fprintf(&b, "%s.%s", f.Type, f.Method)
		} else {
			b.WriteString(f.Method)
		}
		fmt.Fprintf(&b, " (%s:%d)", f.File, f.Line)
	}
	return b.String()
}

func decodeTraceID(id string) (pcommon.TraceID, error) {
	var out pcommon.TraceID
	if err := decodeID(id, out[:]); err != nil {
		return pcommon.TraceID{}, err
	}
	return out, nil
}

func decodeSpanID(id string) (pcommon.SpanID, error) {
	var out pcommon.SpanID
	if err := decodeID(id, out[:]); err != nil {
		return pcommon.SpanID{}, err
	}
	return out, nil
}

func decodeID(id string, dst []byte) error {
	width := len(dst) * 2
	if id == "" || len(id) > width {
		return errors.Errorf("invalid id %q: want 1 to %d hex characters", id, width)
	}
	if _, err := hex.Decode(dst, []byte(spanz.PadID(id, width))); err != nil {
		return errors.Wrapf(err, "invalid id %q", id)
	}
	return nil
}
