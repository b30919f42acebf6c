// Package audit is the durable-persistence collaborator from the delivery
// contract: it periodically drains the bus history and appends the records
// to redis. The substrate itself never writes to disk or a database; this
// sink consumes its read-only history surface.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/agentcomm-dev/agentcomm/comm"
	"github.com/agentcomm-dev/agentcomm/pkg/config"
	"github.com/agentcomm-dev/agentcomm/pkg/observability"
)

// ErrSinkClosed is returned when operating on a closed sink.
var ErrSinkClosed = errors.New("audit sink is closed")

// HistorySource is the slice of the bus surface the sink reads. The
// message bus implements it.
type HistorySource interface {
	GetHistory(agentName string, since time.Time, limit int) []*comm.Message
}

// Sink drains routed messages into a redis list, rate-limited so an
// overloaded bus cannot saturate the redis connection.
type Sink struct {
	client  *redis.Client
	prefix  string
	limiter *rate.Limiter
	source  HistorySource

	mu        sync.Mutex
	lastDrain time.Time
	closed    bool
}

// record is the serialized form of one routed message.
type record struct {
	ID            string          `json:"id"`
	Sender        string          `json:"sender"`
	Receiver      string          `json:"receiver"`
	Type          string          `json:"type"`
	Content       json.RawMessage `json:"content"`
	Timestamp     time.Time       `json:"timestamp"`
	RunID         string          `json:"run_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Priority      int             `json:"priority"`
}

// NewSink connects to redis and verifies the connection.
func NewSink(cfg config.AuditConfig, source HistorySource) (*Sink, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newSink(client, cfg.KeyPrefix, cfg.RatePerSecond, source), nil
}

// NewSinkFromClient creates a sink from an existing client. This is useful
// for testing with miniredis.
func NewSinkFromClient(client *redis.Client, prefix string, ratePerSecond int, source HistorySource) *Sink {
	return newSink(client, prefix, ratePerSecond, source)
}

func newSink(client *redis.Client, prefix string, ratePerSecond int, source HistorySource) *Sink {
	if prefix == "" {
		prefix = "agentcomm:audit:"
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 100
	}
	return &Sink{
		client:  client,
		prefix:  prefix,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
		source:  source,
	}
}

func (s *Sink) messagesKey() string { return s.prefix + "messages" }

// Drain appends every history message published since the previous drain
// to the redis audit list. Returns the number of records written.
func (s *Sink) Drain(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSinkClosed
	}
	since := s.lastDrain
	s.mu.Unlock()

	messages := s.source.GetHistory("", since, 0)
	if len(messages) == 0 {
		return 0, nil
	}

	written := 0
	for _, msg := range messages {
		if err := s.limiter.Wait(ctx); err != nil {
			s.advance(messages[:written])
			return written, err
		}
		data, err := json.Marshal(record{
			ID:            msg.ID,
			Sender:        msg.Sender,
			Receiver:      msg.Receiver,
			Type:          string(msg.Type),
			Content:       json.RawMessage(msg.Content),
			Timestamp:     msg.Timestamp,
			RunID:         msg.RunID,
			CorrelationID: msg.CorrelationID,
			Priority:      msg.Priority,
		})
		if err != nil {
			// A single unserializable record must not stall the trail.
			log.Printf("audit: skipping message %s: %v", msg.ID, err)
			written++
			continue
		}
		if err := s.client.RPush(ctx, s.messagesKey(), data).Err(); err != nil {
			s.advance(messages[:written])
			return written, fmt.Errorf("append audit record: %w", err)
		}
		written++
	}

	s.advance(messages)
	observability.RecordAuditRecords(written)
	return written, nil
}

// advance moves the drain cursor past the given prefix of messages so a
// partial failure retries from the first unwritten record.
func (s *Sink) advance(written []*comm.Message) {
	if len(written) == 0 {
		return
	}
	last := written[len(written)-1].Timestamp
	s.mu.Lock()
	if last.After(s.lastDrain) {
		s.lastDrain = last
	}
	s.mu.Unlock()
}

// Run drains on the given interval until ctx is cancelled.
func (s *Sink) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Drain(ctx); err != nil {
				log.Printf("audit: drain failed after %d records: %v", n, err)
			}
		}
	}
}

// Records returns all audit records currently in redis, oldest first.
func (s *Sink) Records(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSinkClosed
	}
	s.mu.Unlock()

	data, err := s.client.LRange(ctx, s.messagesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read audit records: %w", err)
	}
	return data, nil
}

// Ping checks the redis connection.
func (s *Sink) Ping(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.mu.Unlock()
	return s.client.Ping(ctx).Err()
}

// Close releases the redis client.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
