// Package dispatch implements the Event Dispatcher (C10): it consumes
// task.created/updated/deleted and sync.request messages from a durable
// message-bus consumer group, deduplicates by (replica id, vector-clock
// hash), and invokes the sync/verify paths those events imply, committing
// the bus offset only after a successful merge + persist (spec.md §4.10).
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/clinisync/sync-emr-engine/internal/appcontext"
	"github.com/clinisync/sync-emr-engine/pkg/replica"
	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
	"github.com/clinisync/sync-emr-engine/pkg/shared/logging"
)

// Topics are the event-bus subjects the dispatcher subscribes to (spec.md
// §6 External Interfaces).
const (
	TopicTaskCreated = "task.created"
	TopicTaskUpdated = "task.updated"
	TopicTaskDeleted = "task.deleted"
	TopicSyncRequest = "sync.request"
)

// DefaultQueueCapacity mirrors spec.md §5: "inbound event queue has a
// bounded buffer (default 2048 messages)".
const DefaultQueueCapacity = 2048

// DefaultFetchBatch and DefaultFetchWait bound each pull-subscription
// fetch call.
const (
	DefaultFetchBatch = 16
	DefaultFetchWait  = 1 * time.Second
)

// Envelope is the payload carried by task.* and sync.request topics: the
// sync envelope's operations[].replica, or a since_vector (spec.md §6).
type Envelope struct {
	Replica     *replica.Task     `json:"replica,omitempty"`
	SinceVector map[string]uint64 `json:"since_vector,omitempty"`
}

// Handler processes one deduplicated event. Returning an error leaves the
// message un-acked so the bus redelivers it (at-least-once semantics,
// spec.md §4.10).
type Handler interface {
	HandleTaskEvent(ctx context.Context, topic string, t *replica.Task) error
	HandleSyncRequest(ctx context.Context, sinceVector map[string]uint64) error
}

// Config configures a Dispatcher.
type Config struct {
	Conn          *nats.Conn
	GroupID       string
	Topics        []string
	Handler       Handler
	QueueCapacity int
	Logger        *logrus.Logger
}

// Dispatcher drains one or more durable JetStream pull consumers into a
// shared bounded queue, applying backpressure and replica-id/vector-clock
// deduplication before invoking Handler.
type Dispatcher struct {
	js      nats.JetStreamContext
	groupID string
	topics  []string
	handler Handler
	queue   chan *nats.Msg
	seen    *dedupSet
	log     *logrus.Entry
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New builds a Dispatcher bound to cfg.Conn's JetStream context.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{TopicTaskCreated, TopicTaskUpdated, TopicTaskDeleted, TopicSyncRequest}
	}

	js, err := cfg.Conn.JetStream()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindNetwork, "dispatcher", "jetstream").WithResource(cfg.GroupID)
	}

	return &Dispatcher{
		js:      js,
		groupID: cfg.GroupID,
		topics:  cfg.Topics,
		handler: cfg.Handler,
		queue:   make(chan *nats.Msg, cfg.QueueCapacity),
		seen:    newDedupSet(0),
		log:     cfg.Logger.WithFields(logging.NewFields().Component("dispatcher").Custom("group_id", cfg.GroupID).ToLogrus()),
	}, nil
}

// Start launches one durable pull-consumer loop per topic, plus a worker
// that drains the shared bounded queue. Returns once every subscription is
// established; consumption continues in the background until Stop is
// called or ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for _, topic := range d.topics {
		sub, err := d.js.PullSubscribe(topic, d.groupID, nats.ManualAck())
		if err != nil {
			cancel()
			return apperrors.Wrap(err, apperrors.KindNetwork, "dispatcher", "subscribe").WithResource(topic)
		}
		d.wg.Add(1)
		go d.pullLoop(ctx, topic, sub)
	}

	d.wg.Add(1)
	go d.drainLoop(ctx)

	return nil
}

// Stop cancels every consume loop and waits for them to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// pullLoop repeatedly fetches a bounded batch from one durable subscription
// and forwards each message to the shared queue. When the queue is full,
// the forwarding send blocks, which in turn blocks further Fetch calls —
// the backpressure mechanism of spec.md §5.
func (d *Dispatcher) pullLoop(ctx context.Context, topic string, sub *nats.Subscription) {
	defer d.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := sub.Fetch(DefaultFetchBatch, nats.MaxWait(DefaultFetchWait))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			d.log.WithError(err).WithField("topic", topic).Warn("pull fetch failed")
			continue
		}

		for _, msg := range msgs {
			select {
			case d.queue <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) drainLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(ctx, msg)
		}
	}
}

// process unmarshals one message, deduplicates task events by
// (replica id, vector_clock_hash), and invokes the handler. The offset
// (message ack) is committed only after the handler succeeds; a failure
// leaves it unacked so JetStream redelivers (spec.md §4.10).
func (d *Dispatcher) process(ctx context.Context, msg *nats.Msg) {
	ctx = appcontext.EnsureCorrelationID(ctx)

	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		d.log.WithError(err).WithField("topic", msg.Subject).Warn("dropping malformed message")
		msg.Term()
		return
	}

	var err error
	key := ""
	switch msg.Subject {
	case TopicSyncRequest:
		err = d.handler.HandleSyncRequest(ctx, env.SinceVector)
	default:
		if env.Replica == nil {
			d.log.WithField("topic", msg.Subject).Warn("task event missing replica payload")
			msg.Term()
			return
		}
		key = dedupKey(env.Replica)
		if d.seen.seenBefore(key) {
			msg.Ack()
			return
		}
		err = d.handler.HandleTaskEvent(ctx, msg.Subject, env.Replica)
	}

	if err != nil {
		if key != "" {
			// Forget the key so the redelivered message is processed again
			// rather than acked as a duplicate.
			d.seen.mu.Lock()
			delete(d.seen.seen, key)
			d.seen.mu.Unlock()
		}
		d.log.WithError(err).WithField("topic", msg.Subject).Warn("event processing failed, leaving unacked for redelivery")
		msg.Nak()
		return
	}
	msg.Ack()
}

func dedupKey(t *replica.Task) string {
	hash := ""
	if t.VectorClock != nil {
		hash = t.VectorClock.Hash()
	}
	return t.ID + "|" + hash
}

// dedupSet is a bounded, insertion-ordered set of dedup keys. Once
// capacity is reached the oldest key is evicted, bounding memory under
// sustained throughput rather than growing the seen-set unboundedly.
type dedupSet struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	capacity int
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &dedupSet{seen: make(map[string]struct{}), capacity: capacity}
}

func (d *dedupSet) seenBefore(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}
