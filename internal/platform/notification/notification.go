// Package notification delivers blood bank notices (reactive TTI results,
// temperature breaches, reactions, shortfalls) to staff. Delivery is
// best-effort: callers log failures and never roll back business state.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Notice is a single staff-facing alert scoped to a branch.
type Notice struct {
	ID          uuid.UUID `json:"id"`
	BranchID    uuid.UUID `json:"branchId"`
	ActorUserID string    `json:"actorUserId,omitempty"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
	Entity      string    `json:"entity,omitempty"`
	EntityID    string    `json:"entityId,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Notifier is implemented by every delivery channel.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

type NotifierFunc func(ctx context.Context, n Notice) error

func (f NotifierFunc) Notify(ctx context.Context, n Notice) error {
	return f(ctx, n)
}

// stamp fills the id and timestamp once, before fan-out, so every channel
// sees the same identity for a notice.
func stamp(n Notice) Notice {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Severity == "" {
		n.Severity = SeverityInfo
	}
	return n
}

// -- Fan-out --

// Multi delivers to every channel and joins their errors. One failing channel
// does not stop the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	n = stamp(n)
	var errs []error
	for _, ch := range m {
		if ch == nil {
			continue
		}
		if err := ch.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// -- Log sink --

// LogSink writes notices to the structured log. Critical notices are logged
// at error level so log-based alerting picks them up.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSink) Notify(_ context.Context, n Notice) error {
	evt := s.logger.Info()
	switch n.Severity {
	case SeverityWarning:
		evt = s.logger.Warn()
	case SeverityCritical:
		evt = s.logger.Error()
	}
	evt.
		Str("notice_id", n.ID.String()).
		Str("branch_id", n.BranchID.String()).
		Str("severity", string(n.Severity)).
		Str("entity", n.Entity).
		Str("entity_id", n.EntityID).
		Strs("tags", n.Tags).
		Msg(n.Title)
	return nil
}

// -- Redis publisher --

// Publisher is the subset of the go-redis client used for PUBLISH.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes notices as JSON on a pub/sub channel for ward
// dashboards and paging integrations.
type RedisPublisher struct {
	client  Publisher
	channel string
}

func NewRedisPublisher(client Publisher, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Notify(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notice to %s: %w", p.channel, err)
	}
	return nil
}
