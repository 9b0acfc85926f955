package device

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"icnaas/pkg/metrics"
	"icnaas/pkg/model"
)

// Applier applies a single op to its router.
type Applier interface {
	Apply(ctx context.Context, op Op) error
}

// Recorder keeps the outcome of every push.
type Recorder interface {
	Record(ctx context.Context, rec model.PushRecord) error
}

type QueueConfig struct {
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Rate           float64 // pushes per second over all hosts, <= 0 is unlimited
	Burst          int
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:        4,
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Rate:           20,
		Burst:          10,
	}
}

// Queue applies ops asynchronously. Ops for the same host are applied in
// enqueue order by a single worker; failures are retried, logged and
// journaled but never reported back to the producer.
type Queue struct {
	cfg     QueueConfig
	applier Applier
	limiter *rate.Limiter
	journal Recorder
	metrics *metrics.Metrics
	log     zerolog.Logger
	shards  []*shard

	mu      sync.Mutex
	pending int
	drained chan struct{}
}

type QueueOption func(*Queue)

func WithJournal(r Recorder) QueueOption { return func(q *Queue) { q.journal = r } }

func WithMetrics(m *metrics.Metrics) QueueOption { return func(q *Queue) { q.metrics = m } }

func WithLogger(l zerolog.Logger) QueueOption { return func(q *Queue) { q.log = l } }

func NewQueue(applier Applier, cfg QueueConfig, opts ...QueueOption) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	q := &Queue{
		cfg:     cfg,
		applier: applier,
		limiter: rate.NewLimiter(limit, burst),
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(q)
	}
	q.shards = make([]*shard, cfg.Workers)
	for i := range q.shards {
		q.shards[i] = &shard{wake: make(chan struct{}, 1)}
	}
	return q
}

type shard struct {
	mu    sync.Mutex
	items []Op
	wake  chan struct{}
}

func (s *shard) push(op Op) {
	s.mu.Lock()
	s.items = append(s.items, op)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *shard) pop() (Op, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return Op{}, false
	}
	op := s.items[0]
	s.items = s.items[1:]
	return op, true
}

func (q *Queue) shardFor(host string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	return q.shards[int(h.Sum32()%uint32(len(q.shards)))]
}

// Enqueue schedules ops. It never blocks on the network.
func (q *Queue) Enqueue(ops ...Op) {
	if len(ops) == 0 {
		return
	}
	q.mu.Lock()
	if q.pending == 0 {
		q.drained = make(chan struct{})
	}
	q.pending += len(ops)
	depth := q.pending
	q.mu.Unlock()
	q.metrics.SetQueueDepth(depth)

	for _, op := range ops {
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		q.shardFor(op.Host).push(op)
	}
}

// Pending reports how many ops are queued or in flight.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Drain blocks until every enqueued op has been handled or ctx ends.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.pending == 0 {
		q.mu.Unlock()
		return nil
	}
	ch := q.drained
	q.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) done() {
	q.mu.Lock()
	q.pending--
	depth := q.pending
	if q.pending == 0 {
		close(q.drained)
	}
	q.mu.Unlock()
	q.metrics.SetQueueDepth(depth)
}

// Run starts one worker per shard and returns when ctx is cancelled and
// in-flight ops have finished.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, s := range q.shards {
		wg.Add(1)
		go func(s *shard) {
			defer wg.Done()
			q.work(ctx, s)
		}(s)
	}
	wg.Wait()
	return nil
}

func (q *Queue) work(ctx context.Context, s *shard) {
	for {
		op, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		q.process(ctx, op)
		q.done()
	}
}

func (q *Queue) process(ctx context.Context, op Op) {
	b := backoff.NewExponentialBackOff()
	if q.cfg.InitialBackoff > 0 {
		b.InitialInterval = q.cfg.InitialBackoff
	}
	if q.cfg.MaxBackoff > 0 {
		b.MaxInterval = q.cfg.MaxBackoff
	}
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := q.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, q.applier.Apply(ctx, op)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(q.cfg.MaxAttempts)))

	q.metrics.RecordPush(string(op.Verb), err)
	rec := model.PushRecord{
		ID:        op.ID,
		Host:      op.Host,
		Verb:      string(op.Verb),
		Prefix:    op.Prefix,
		NextHop:   op.NextHop,
		Status:    "success",
		Attempts:  attempts,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
		q.log.Error().Err(err).
			Str("error_type", fmt.Sprintf("%T", err)).
			Str("host", op.Host).Str("verb", string(op.Verb)).
			Str("prefix", op.Prefix).Str("next_hop", op.NextHop).
			Int("attempts", attempts).
			Msg("device push failed")
	} else {
		q.log.Debug().Str("host", op.Host).Str("verb", string(op.Verb)).
			Str("prefix", op.Prefix).Str("next_hop", op.NextHop).
			Msg("device push applied")
	}
	if q.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if jerr := q.journal.Record(jctx, rec); jerr != nil {
		q.log.Warn().Err(jerr).Msg("record push failed")
	}
}
