package handoff

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// NATSConfig configures the JetStream queue.
type NATSConfig struct {
	Stream      string
	Durable     string
	MaxAttempts int
	AckWait     time.Duration
	// FetchWait bounds how long a Claim waits for messages.
	FetchWait time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.Stream == "" {
		c.Stream = "EF_PIPELINE"
	}
	if c.Durable == "" {
		c.Durable = "ef-pipeline-worker"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 10 * time.Minute
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 2 * time.Second
	}
	return c
}

type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// NATSQueue carries tasks over a JetStream work-queue stream with one
// subject per kind. Messages are acked explicitly after the handler
// succeeds; failures are nak'd with a delay.
type NATSQueue struct {
	pub  publisher
	cons fetcher
	cfg  NATSConfig
	log  *zap.Logger

	mu       sync.Mutex
	inflight map[string]jetstream.Msg
}

// NewNATSQueue ensures the stream and durable pull consumer exist.
func NewNATSQueue(ctx context.Context, nc *nats.Conn, cfg NATSConfig) (*NATSQueue, error) {
	cfg = cfg.withDefaults()

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, eris.Wrap(err, "handoff: jetstream")
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{subjectPrefix(cfg.Stream) + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "handoff: ensure stream %s", cfg.Stream)
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:   cfg.Durable,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   cfg.AckWait,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "handoff: ensure consumer %s", cfg.Durable)
	}
	return newNATSQueue(js, cons, cfg), nil
}

func newNATSQueue(pub publisher, cons fetcher, cfg NATSConfig) *NATSQueue {
	return &NATSQueue{
		pub:      pub,
		cons:     cons,
		cfg:      cfg.withDefaults(),
		log:      zap.L().With(zap.String("component", "handoff.nats")),
		inflight: make(map[string]jetstream.Msg),
	}
}

func subjectPrefix(stream string) string {
	return strings.ToLower(stream)
}

// Subject is the subject tasks of kind k are published on.
func (q *NATSQueue) Subject(k Kind) string {
	return subjectPrefix(q.cfg.Stream) + "." + string(k)
}

// Enqueue publishes each task. The dedupe key doubles as the JetStream
// message id, so a repeat inside the stream's duplicate window is dropped
// by the server.
func (q *NATSQueue) Enqueue(ctx context.Context, tasks ...Task) error {
	for _, t := range tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return eris.Wrapf(err, "handoff: marshal %s task", t.Kind)
		}
		msgID := t.DedupeKey
		if msgID == "" {
			msgID = t.ID
		}
		ack, err := q.pub.Publish(ctx, q.Subject(t.Kind), data, jetstream.WithMsgID(msgID))
		if err != nil {
			return eris.Wrapf(err, "handoff: publish %s", t.Kind)
		}
		if ack != nil && ack.Duplicate {
			q.log.Debug("duplicate task skipped",
				zap.String("kind", string(t.Kind)), zap.String("msg_id", msgID))
		}
	}
	return nil
}

// Claim fetches up to limit messages, waiting at most FetchWait.
func (q *NATSQueue) Claim(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 1
	}
	wait := q.cfg.FetchWait
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < wait {
			wait = left
		}
	}
	if wait <= 0 {
		return nil, ctx.Err()
	}

	batch, err := q.cons.Fetch(limit, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, eris.Wrap(err, "handoff: fetch")
	}

	var tasks []Task
	for msg := range batch.Messages() {
		var t Task
		if err := json.Unmarshal(msg.Data(), &t); err != nil {
			q.log.Error("undecodable task terminated", zap.String("subject", msg.Subject()), zap.Error(err))
			_ = msg.Term()
			continue
		}
		if md, err := msg.Metadata(); err == nil {
			t.Attempts = int(md.NumDelivered)
		}
		q.mu.Lock()
		q.inflight[t.ID] = msg
		q.mu.Unlock()
		tasks = append(tasks, t)
	}
	if err := batch.Error(); err != nil {
		return tasks, eris.Wrap(err, "handoff: fetch batch")
	}
	return tasks, nil
}

func (q *NATSQueue) take(id string) (jetstream.Msg, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inflight[id]
	if !ok {
		return nil, eris.Errorf("handoff: task %s is not in flight", id)
	}
	delete(q.inflight, id)
	return msg, nil
}

// Complete acks the task's message.
func (q *NATSQueue) Complete(_ context.Context, t Task) error {
	msg, err := q.take(t.ID)
	if err != nil {
		return err
	}
	return eris.Wrapf(msg.Ack(), "handoff: ack %s", t.ID)
}

// Fail naks the message with a backoff delay, or terminates it once it has
// been delivered MaxAttempts times.
func (q *NATSQueue) Fail(_ context.Context, t Task, cause error) error {
	msg, err := q.take(t.ID)
	if err != nil {
		return err
	}
	if t.Attempts >= q.cfg.MaxAttempts {
		q.log.Error("task dead after max attempts",
			zap.String("task_id", t.ID), zap.String("kind", string(t.Kind)),
			zap.Int("attempts", t.Attempts), zap.Error(cause))
		return eris.Wrapf(msg.Term(), "handoff: term %s", t.ID)
	}
	return eris.Wrapf(msg.NakWithDelay(RetryDelay(t.Attempts)), "handoff: nak %s", t.ID)
}
