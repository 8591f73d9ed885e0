package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig names the JetStream objects the queue uses.
type NATSConfig struct {
	Stream     string
	Subject    string
	Durable    string
	Workers    int
	AckWait    time.Duration
	MaxDeliver int
}

// NATSQueue is a JetStream work queue consumed by a pool of pull workers.
type NATSQueue struct {
	js  nats.JetStreamContext
	cfg NATSConfig
}

// Connect opens a NATS connection that keeps reconnecting.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// NewNATSQueue creates the stream and the durable consumer if they do not
// exist yet.
func NewNATSQueue(nc *nats.Conn, cfg NATSConfig) (*NATSQueue, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 10 * time.Minute
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("JetStream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("JetStream AddStream: %w", err)
	}

	_, err = js.AddConsumer(cfg.Stream, &nats.ConsumerConfig{
		Durable:       cfg.Durable,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		FilterSubject: cfg.Subject,
		MaxAckPending: cfg.Workers * 2,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return nil, fmt.Errorf("JetStream AddConsumer: %w", err)
	}

	return &NATSQueue{js: js, cfg: cfg}, nil
}

// Enqueue publishes msg. The job id doubles as the JetStream message id, so
// a retried publish of the same job is dropped as a duplicate.
func (q *NATSQueue) Enqueue(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	ack, err := q.js.Publish(q.cfg.Subject, data, nats.MsgId(msg.JobID.String()), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("enqueue job %s: publish failed: %w", msg.JobID, err)
	}

	slog.Debug("job enqueued",
		"job_id", msg.JobID,
		"subject", q.cfg.Subject,
		"stream", ack.Stream,
		"seq", ack.Sequence,
	)
	return nil
}

func (q *NATSQueue) Run(ctx context.Context, h Handler) error {
	sub, err := q.js.PullSubscribe(q.cfg.Subject, q.cfg.Durable, nats.Bind(q.cfg.Stream, q.cfg.Durable))
	if err != nil {
		return fmt.Errorf("JetStream PullSubscribe: %w", err)
	}

	var wg sync.WaitGroup
	for range q.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.runWorker(ctx, sub, h)
		}()
	}

	slog.Info("queue workers running",
		"workers", q.cfg.Workers,
		"subject", q.cfg.Subject,
	)

	wg.Wait()
	if err := sub.Drain(); err != nil {
		slog.Warn("NATS subscription drain", "error", err)
	}
	slog.Info("queue workers stopped")
	return nil
}

func (q *NATSQueue) runWorker(ctx context.Context, sub *nats.Subscription, h Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			slog.Warn("NATS Fetch", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, m := range msgs {
			q.deliver(ctx, m, h)
		}
	}
}

func (q *NATSQueue) deliver(ctx context.Context, m *nats.Msg, h Handler) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		slog.Error("dropping undecodable message", "error", err)
		_ = m.Term()
		return
	}
	msg.Attempt = 1
	if meta, err := m.Metadata(); err == nil {
		msg.Attempt = int(meta.NumDelivered)
	}
	// JetStream counts deferred deliveries too, so the last one is final
	// whatever the handler returns.
	msg.Final = q.cfg.MaxDeliver > 0 && msg.Attempt >= q.cfg.MaxDeliver

	// Long jobs keep the message from being redelivered while they run.
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(q.cfg.AckWait / 2)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				_ = m.InProgress()
			}
		}
	}()
	err := h(ctx, msg)
	close(stop)

	if err == nil {
		if err := m.Ack(); err != nil {
			slog.Warn("NATS Ack", "job_id", msg.JobID, "error", err)
		}
		return
	}
	if delay, ok := RetryDelay(err); ok {
		slog.Debug("job deferred", "job_id", msg.JobID, "delay", delay, "attempt", msg.Attempt)
		_ = m.NakWithDelay(delay)
		return
	}
	slog.Error("job handler failed", "job_id", msg.JobID, "attempt", msg.Attempt, "error", err)
	_ = m.Nak()
}
