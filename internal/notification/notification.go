// Package notification carries the decision of when and with what facts to
// notify a customer about dunning progress. Template rendering and delivery
// belong to the implementations of Sender.
package notification

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

type DunningKind string

const (
	// DunningRetry announces another automatic retry is coming.
	DunningRetry DunningKind = "dunning_retry"
	// DunningFinalRetry announces that the next retry is the last one.
	DunningFinalRetry DunningKind = "dunning_final_retry"
	// DunningComplete announces the retry schedule is exhausted.
	DunningComplete DunningKind = "dunning_complete"
)

// DunningIntent captures the facts a dunning email is built from.
type DunningIntent struct {
	Kind           DunningKind
	SubscriptionID snowflake.ID
	OrderID        snowflake.ID
	CustomerID     snowflake.ID
	AttemptNumber  int
	MaxAttempts    int
	NextRetryAt    *time.Time
}

type Sender interface {
	Send(ctx context.Context, intent DunningIntent) error
}

// LogSender logs intents instead of delivering them. The default wiring
// until a mail transport is configured.
type LogSender struct {
	log *zap.Logger
}

var _ Sender = (*LogSender)(nil)

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log.Named("notification")}
}

func (s *LogSender) Send(_ context.Context, intent DunningIntent) error {
	fields := []zap.Field{
		zap.String("kind", string(intent.Kind)),
		zap.String("subscription_id", intent.SubscriptionID.String()),
		zap.String("order_id", intent.OrderID.String()),
		zap.Int("attempt", intent.AttemptNumber),
		zap.Int("max_attempts", intent.MaxAttempts),
	}
	if intent.NextRetryAt != nil {
		fields = append(fields, zap.Time("next_retry_at", *intent.NextRetryAt))
	}
	s.log.Info("dunning notification", fields...)
	return nil
}

// Recorder captures intents for assertions in tests.
type Recorder struct {
	Intents []DunningIntent
}

var _ Sender = (*Recorder)(nil)

func (r *Recorder) Send(_ context.Context, intent DunningIntent) error {
	r.Intents = append(r.Intents, intent)
	return nil
}
