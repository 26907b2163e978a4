package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// Sink persists finalized audit events. Write must never block the caller;
// sink errors are logged, never fatal to a request. The in-memory chain is
// the verification source of truth, the sink is the durable copy.
type Sink interface {
	Write(event *Event)
	Close()
}

// ClickHouseSink batch-inserts audit events in a background goroutine.
type ClickHouseSink struct {
	conn    driver.Conn
	buffer  chan *Event
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseSink connects, pings and starts the flush loop.
func NewClickHouseSink(dsn string, logger *zap.Logger) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	s := &ClickHouseSink{
		conn:    conn,
		buffer:  make(chan *Event, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go s.flushLoop()
	return s, nil
}

// Write queues the event for async insertion. Non-blocking: drops the event
// if the buffer is full.
func (s *ClickHouseSink) Write(event *Event) {
	select {
	case s.buffer <- event:
	default:
		s.logger.Warn("audit sink buffer full, dropping event",
			zap.String("request_id", event.RequestID),
			zap.Uint64("sequence", event.Sequence),
		)
	}
}

// Close drains remaining events (up to drainTimeout) and waits for the
// flush loop to finish. Safe to call once.
func (s *ClickHouseSink) Close() {
	close(s.done)
	<-s.flushed
}

func (s *ClickHouseSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, flushBatch)

	for {
		select {
		case event := <-s.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-s.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *ClickHouseSink) flush(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO audit_events (
			request_id, sequence, timestamp, stage, payload, signature
		)
	`)
	if err != nil {
		s.logger.Error("audit sink prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			s.logger.Error("audit sink payload encode failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
			continue
		}
		if err := batch.Append(
			e.RequestID,
			e.Sequence,
			e.Timestamp,
			e.Stage,
			string(payload),
			e.Signature,
		); err != nil {
			s.logger.Error("audit sink append failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		s.logger.Error("audit sink batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogSink is the fallback Sink for local development: events go to the
// structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(event *Event) {
	s.logger.Info("audit_event",
		zap.String("request_id", event.RequestID),
		zap.Uint64("sequence", event.Sequence),
		zap.String("stage", event.Stage),
		zap.Any("payload", event.Payload),
		zap.String("signature", event.Signature),
	)
}

func (s *LogSink) Close() {}
