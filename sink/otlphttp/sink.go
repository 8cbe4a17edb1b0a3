// Package otlphttp sends span batches to an OpenTelemetry collector as
// OTLP protobuf over HTTP.
package otlphttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/zap"

	"github.com/zoobzio/spanz"
)

const (
	retryWaitMin = 100 * time.Millisecond
	retryWaitMax = 2 * time.Second
)

// Sink implements spanz.Sink for an OTLP/HTTP traces endpoint.
type Sink struct {
	client      *retryablehttp.Client
	logger      *zap.Logger
	marshaler   ptrace.ProtoMarshaler
	endpoint    string
	service     string
	compression bool
}

var _ spanz.Sink = (*Sink)(nil)

// New creates a sink from cfg. A nil logger disables logging.
func New(cfg spanz.SinkConfig, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("otlphttp")
	def := spanz.DefaultConfig().Sink

	client := retryablehttp.NewClient()
	client.RetryMax = max(cfg.RetryMax, 0)
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.Logger = leveledLogger{logger.Sugar()}
	client.HTTPClient.Timeout = cfg.Timeout
	if client.HTTPClient.Timeout <= 0 {
		client.HTTPClient.Timeout = def.Timeout
	}

	s := &Sink{
		client:      client,
		logger:      logger,
		endpoint:    cfg.Endpoint,
		service:     cfg.ServiceName,
		compression: cfg.Compression,
	}
	if s.endpoint == "" {
		s.endpoint = def.Endpoint
	}
	if s.service == "" {
		s.service = def.ServiceName
	}
	return s
}

// Send posts batch to the collector. Spans with malformed ids are logged and
// skipped; any non-2xx response is an error so the buffer retries the batch.
func (s *Sink) Send(ctx context.Context, batch []spanz.Span) error {
	if len(batch) == 0 {
		return nil
	}

	td, err := Convert(s.service, batch)
	if err != nil {
		s.logger.Warn("skipping malformed spans", zap.Error(err))
	}
	if td.SpanCount() == 0 {
		return nil
	}

	body, err := s.marshaler.MarshalTraces(td)
	if err != nil {
		return errors.Wrap(err, "marshal traces")
	}
	if s.compression {
		if body, err = gzipBytes(body); err != nil {
			return errors.Wrap(err, "compress traces")
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	if s.compression {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post traces")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("collector responded %s", resp.Status)
	}
	s.logger.Debug("spans delivered", zap.Int("spans", td.SpanCount()))
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// leveledLogger routes retryablehttp logs through zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

var _ retryablehttp.LeveledLogger = leveledLogger{}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}

func (s *Sink) String() string {
	return fmt.Sprintf("otlphttp(%s)", s.endpoint)
}
