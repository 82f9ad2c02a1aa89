package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/metrics"
	"github.com/kilnhq/kiln/pkg/types"
)

// payloadField is the stream entry field carrying the JSON job envelope
const payloadField = "job"

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("queue: closed")

// Delivery is one job pulled from the stream. ID acknowledges it;
// Reclaimed marks a job taken over from a stalled consumer.
type Delivery struct {
	ID        string
	Job       *types.Job
	Reclaimed bool
}

// Queue is a Redis Streams work queue with consumer-group semantics:
// at-least-once delivery, explicit acks, and reclaim of entries whose
// consumer stalled past the grace period.
type Queue struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	stallGrace time.Duration
	closed     chan struct{}
	closeOnce  sync.Once
}

// New connects to Redis and ensures the stream and consumer group exist
func New(cfg config.QueueConfig) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg)
}

// NewWithClient wraps an existing client, for tests and custom dialing
func NewWithClient(client *redis.Client, cfg config.QueueConfig) (*Queue, error) {
	consumer := cfg.Consumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	q := &Queue{
		client:     client,
		stream:     cfg.Stream,
		group:      cfg.Group,
		consumer:   consumer,
		stallGrace: cfg.StallGrace.Std(),
		closed:     make(chan struct{}),
	}

	err := client.XGroupCreateMkStream(context.Background(), q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return q, nil
}

// Enqueue appends a job envelope to the stream and returns its entry id
func (q *Queue) Enqueue(ctx context.Context, job *types.Job) (string, error) {
	if q.isClosed() {
		return "", ErrClosed
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{payloadField: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return id, nil
}

// Fetch returns the next job for this consumer, or nil when none
// arrived within block. Stalled entries from other consumers are
// reclaimed before new entries are read.
//
// Entries that cannot name a compilation (unreadable payload, missing
// compilation_id) are acknowledged and dropped so they cannot wedge the
// group. Decodable envelopes are returned even when their content is
// invalid: the worker owns them and must drive their record to a
// terminal status.
func (q *Queue) Fetch(ctx context.Context, block time.Duration) (*Delivery, error) {
	for {
		if q.isClosed() {
			return nil, ErrClosed
		}

		msg, reclaimed, err := q.next(ctx, block)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, nil
		}

		job, decodeErr := decodeJob(msg)
		if decodeErr != nil {
			log.WithComponent("queue").Warn().Err(decodeErr).
				Str("entry", msg.ID).Msg("dropping undecodable queue entry")
			if err := q.Ack(ctx, msg.ID); err != nil {
				return nil, err
			}
			continue
		}

		metrics.JobsConsumed.Inc()
		if reclaimed {
			metrics.JobsReclaimed.Inc()
		}
		return &Delivery{ID: msg.ID, Job: job, Reclaimed: reclaimed}, nil
	}
}

// next prefers reclaiming a stalled pending entry over reading new ones
func (q *Queue) next(ctx context.Context, block time.Duration) (*redis.XMessage, bool, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.stallGrace,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, false, fmt.Errorf("failed to reclaim stalled entries: %w", err)
	}
	if len(claimed) > 0 {
		return &claimed[0], true, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read stream: %w", err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return &s.Messages[0], false, nil
		}
	}
	return nil, false, nil
}

func decodeJob(msg *redis.XMessage) (*types.Job, error) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return nil, fmt.Errorf("entry missing %q field", payloadField)
	}
	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job envelope: %w", err)
	}
	if job.CompilationID == "" {
		return nil, fmt.Errorf("job envelope missing compilation_id")
	}
	return &job, nil
}

// Ack removes a delivered entry from the pending list. An unacked entry
// stays pending and is redelivered once its idle time passes the stall
// grace.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack entry %s: %w", id, err)
	}
	return nil
}

// Pending reports how many entries this group has delivered but not acked
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	p, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending entries: %w", err)
	}
	return p.Count, nil
}

// Close stops the queue and releases the connection. Safe to call
// concurrently and more than once.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		err = q.client.Close()
	})
	return err
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}
