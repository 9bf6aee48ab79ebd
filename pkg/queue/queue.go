package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// ChannelUploadWake is the pub/sub channel idle worker pools listen on.
	ChannelUploadWake = "uploads:wake"
	// QueueDLQ is the dead-letter list for uploads that exhausted their retries.
	QueueDLQ = "uploads:dlq"
	// MaxDeadLetters bounds the dead-letter list; older entries are trimmed.
	MaxDeadLetters = 1000
)

// DeadLetter records an upload that ended in a terminal failure.
type DeadLetter struct {
	RecordingID uuid.UUID `json:"recording_id"`
	CameraID    string    `json:"camera_id"`
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	FailedAt    time.Time `json:"failed_at"`
}

// Notifier publishes wake-up signals and keeps the dead-letter list.
type Notifier struct {
	client *redis.Client
	logger *zap.Logger
}

// NewNotifier creates a Redis-backed notifier.
func NewNotifier(client *redis.Client, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{client: client, logger: logger}
}

// Wake tells idle pools that recordingID was queued.
func (n *Notifier) Wake(ctx context.Context, recordingID uuid.UUID) error {
	if err := n.client.Publish(ctx, ChannelUploadWake, recordingID.String()).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	n.logger.Debug("published upload wake-up", zap.String("recording_id", recordingID.String()))
	return nil
}

// Subscribe returns a channel that receives a value per wake-up. Signals are
// coalesced when the consumer is busy. The channel closes when ctx is done.
func (n *Notifier) Subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := n.client.Subscribe(ctx, ChannelUploadWake)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

// DeadLetter appends an entry to the dead-letter list.
func (n *Notifier) DeadLetter(ctx context.Context, dl DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := n.client.TxPipeline()
	pipe.RPush(ctx, QueueDLQ, raw)
	pipe.LTrim(ctx, QueueDLQ, -MaxDeadLetters, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		n.logger.Error("dlq push failed", zap.Error(err), zap.String("recording_id", dl.RecordingID.String()))
		return err
	}
	n.logger.Warn("upload moved to DLQ", zap.String("recording_id", dl.RecordingID.String()), zap.String("code", dl.Code), zap.Int("attempts", dl.Attempts))
	return nil
}

// DeadLetters returns up to limit of the most recent dead-letter entries, newest first.
func (n *Notifier) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := n.client.LRange(ctx, QueueDLQ, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}
	out := make([]DeadLetter, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raws[i]), &dl); err != nil {
			n.logger.Warn("invalid dead letter payload", zap.String("raw", raws[i]), zap.Error(err))
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}
