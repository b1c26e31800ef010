// Package dispatch runs the publish loop: on every tick it collects due
// posts, claims each one, delivers it through the platform publisher and
// records the outcome in the publication log.
//
// A post is claimed (scheduled -> publishing) before any network I/O, so two
// dispatcher instances sharing a store never double-publish. A crashed
// instance leaves a leased claim behind; the lease expires and the post is
// offered again on a later tick.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"postpilot/internal/eventbus"
	"postpilot/internal/model"
	"postpilot/internal/publish"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type Config struct {
	// TickInterval is the poll cadence. Ticks never overlap: a tick that
	// outlives the interval makes the next one a no-op.
	TickInterval time.Duration
	// PoolSize bounds concurrent publishes within one tick.
	PoolSize int
	// PublishTimeout bounds a single Send; expiry records a "timeout" failure.
	PublishTimeout time.Duration
	// LeaseDuration is how long a claim shields the post from other
	// instances. 0 derives it from PublishTimeout.
	LeaseDuration time.Duration
	// BatchLimit caps the posts fetched per tick.
	BatchLimit int

	Retry RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 5
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
	if c.LeaseDuration <= 0 {
		// Covers the send timeout plus queueing behind the pool.
		c.LeaseDuration = 4 * c.PublishTimeout
		if c.LeaseDuration < 2*time.Minute {
			c.LeaseDuration = 2 * time.Minute
		}
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Dispatcher is the publish loop service.
type Dispatcher struct {
	cfg      Config
	store    storage.Store
	registry *publish.Registry
	bus      eventbus.Bus
	log      logx.Logger

	// id marks claims taken by this instance.
	id  string
	now func() time.Time

	mu      sync.Mutex
	c       *cron.Cron
	running bool
}

func New(cfg Config, store storage.Store, registry *publish.Registry, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	id := "dispatcher-" + uuid.NewString()[:8]
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		store:    store,
		registry: registry,
		bus:      bus,
		log:      log.With(logx.String("component", "dispatcher"), logx.String("instance", id)),
		id:       id,
		now:      time.Now,
	}
}

// ID returns the instance id recorded on claims.
func (d *Dispatcher) ID() string { return d.id }

// Start begins ticking. Safe to call once; subsequent calls are no-ops.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLog{d.log})))
	spec := fmt.Sprintf("@every %s", d.cfg.TickInterval)
	if _, err := c.AddFunc(spec, func() { d.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("dispatcher schedule: %w", err)
	}
	c.Start()

	d.c = c
	d.running = true
	d.log.Info("dispatcher started",
		logx.Duration("tick", d.cfg.TickInterval),
		logx.Int("pool", d.cfg.PoolSize),
		logx.Duration("publish_timeout", d.cfg.PublishTimeout))
	return nil
}

// Stop halts ticking and waits for in-flight publishes, bounded by ctx.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	c := d.c
	d.c = nil
	d.running = false
	d.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	d.log.Info("dispatcher stopped")
}

// RunOnce executes a single tick: fetch due posts and publish them through a
// bounded worker pool. Exported so callers can force a pass outside the
// schedule.
func (d *Dispatcher) RunOnce(ctx context.Context) {
	now := d.now().UTC()
	posts, err := d.store.DuePosts(ctx, now, d.cfg.BatchLimit)
	if err != nil {
		d.log.Error("due posts query failed", logx.Err(err))
		return
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: "dispatch.tick", Time: now, Data: TickEvent{Due: len(posts)}})
	}
	if len(posts) == 0 {
		return
	}
	d.log.Debug("tick", logx.Int("due", len(posts)))

	rng := rand.New(rand.NewSource(now.UnixNano()))
	var rngMu sync.Mutex
	delay := func(retry int, cause error) time.Duration {
		rngMu.Lock()
		defer rngMu.Unlock()
		return d.cfg.Retry.NextDelay(retry, cause, rng)
	}

	permits := make(chan struct{}, d.cfg.PoolSize)
	var wg sync.WaitGroup
	for _, p := range posts {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case permits <- struct{}{}:
		}
		wg.Add(1)
		go func(p model.Post) {
			defer wg.Done()
			defer func() { <-permits }()
			d.publishOne(ctx, p, delay)
		}(p)
	}
	wg.Wait()
}

// TickEvent is the payload of "dispatch.tick".
type TickEvent struct {
	Due int
}

// PostEvent is the payload of "post.published", "post.failed" and
// "post.retried".
type PostEvent struct {
	PostID    int64
	Attempt   int
	ErrorCode string
	Error     string
	NextTry   time.Time
}

func (d *Dispatcher) publishOne(ctx context.Context, p model.Post, delay func(int, error) time.Duration) {
	now := d.now().UTC()
	if err := d.store.ClaimPost(ctx, p.ID, d.id, now.Add(d.cfg.LeaseDuration), now); err != nil {
		if errors.Is(err, storage.ErrClaimLost) {
			// Another instance got there first.
			d.log.Debug("claim lost", logx.Int64("post_id", p.ID))
			return
		}
		d.log.Error("claim failed", logx.Int64("post_id", p.ID), logx.Err(err))
		return
	}

	entryID, attempt, err := d.store.OpenPublication(ctx, p.ID, now)
	if err != nil {
		d.log.Error("publication open failed", logx.Int64("post_id", p.ID), logx.Err(err))
		// An infrastructure failure is not a delivery attempt; hand the post
		// back untouched instead of spending its retry budget.
		_ = d.store.ReleaseClaim(ctx, p.ID, d.id)
		return
	}
	log := d.log.With(logx.Int64("post_id", p.ID), logx.Int("attempt", attempt))

	acc, err := d.store.ResolveDestination(ctx, p)
	if err != nil {
		d.finishFailed(ctx, p, entryID, attempt, model.ErrCodeNoDestination, "no destination account", log)
		return
	}
	pub, err := d.registry.For(acc.Platform)
	if err != nil {
		d.finishFailed(ctx, p, entryID, attempt, model.ErrCodeNoDestination, err.Error(), log)
		return
	}

	msg := publish.Message{Topic: p.Topic, Content: p.Content, MediaType: p.MediaType}
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	// Race the send against the deadline; adapters that ignore ctx still
	// cannot hold the worker past the timeout.
	errCh := make(chan error, 1)
	go func() { errCh <- pub.Send(sendCtx, publish.DestinationFor(acc), msg) }()
	var sendErr error
	select {
	case sendErr = <-errCh:
	case <-sendCtx.Done():
		sendErr = sendCtx.Err()
	}
	cancel()

	finished := d.now().UTC()
	if sendErr == nil {
		if err := d.store.ClosePublication(ctx, entryID, finished, model.PublicationSuccess, "", ""); err != nil {
			log.Error("publication close failed", logx.Err(err))
		}
		if err := d.store.MarkPublished(ctx, p.ID, d.id, finished); err != nil {
			// Claim-scoped update lost: someone else finished the post.
			log.Error("mark published failed", logx.Err(err))
			return
		}
		log.Info("post published", logx.String("channel", acc.ChannelID))
		d.publishEvent("post.published", finished, PostEvent{PostID: p.ID, Attempt: attempt})
		return
	}

	code := model.ErrCodeDelivery
	if errors.Is(sendErr, context.DeadlineExceeded) {
		code = model.ErrCodeTimeout
	}
	if err := d.store.ClosePublication(ctx, entryID, finished, model.PublicationFailed, code, sendErr.Error()); err != nil {
		log.Error("publication close failed", logx.Err(err))
	}

	retryable := !publish.IsNoRetry(sendErr)
	if retryable && !d.cfg.Retry.Exhausted(p.RetryCount) {
		next := finished.Add(delay(p.RetryCount+1, sendErr))
		if err := d.store.RequeueForRetry(ctx, p.ID, d.id, next, code+": "+sendErr.Error()); err != nil {
			log.Error("requeue failed", logx.Err(err))
			return
		}
		log.Warn("publish failed, retry scheduled",
			logx.String("error_code", code),
			logx.Time("next_try", next),
			logx.Err(sendErr))
		d.publishEvent("post.retried", finished, PostEvent{PostID: p.ID, Attempt: attempt, ErrorCode: code, Error: sendErr.Error(), NextTry: next})
		return
	}

	if err := d.store.MarkFailed(ctx, p.ID, d.id, code+": "+sendErr.Error()); err != nil {
		log.Error("mark failed failed", logx.Err(err))
		return
	}
	log.Warn("post failed permanently", logx.String("error_code", code), logx.Err(sendErr))
	d.publishEvent("post.failed", finished, PostEvent{PostID: p.ID, Attempt: attempt, ErrorCode: code, Error: sendErr.Error()})
}

// finishFailed records a permanent, non-delivery failure (no destination,
// unknown platform) on both the log entry and the post.
func (d *Dispatcher) finishFailed(ctx context.Context, p model.Post, entryID int64, attempt int, code, detail string, log logx.Logger) {
	finished := d.now().UTC()
	if err := d.store.ClosePublication(ctx, entryID, finished, model.PublicationFailed, code, detail); err != nil {
		log.Error("publication close failed", logx.Err(err))
	}
	if err := d.store.MarkFailed(ctx, p.ID, d.id, code+": "+detail); err != nil {
		log.Error("mark failed failed", logx.Err(err))
		return
	}
	log.Warn("post failed", logx.String("error_code", code), logx.String("detail", detail))
	d.publishEvent("post.failed", finished, PostEvent{PostID: p.ID, Attempt: attempt, ErrorCode: code, Error: detail})
}

func (d *Dispatcher) publishEvent(typ string, at time.Time, data PostEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
}

// cronLog adapts logx to cron's logger so skipped overlapping ticks surface
// in the service log.
type cronLog struct{ log logx.Logger }

func (c cronLog) Info(msg string, kv ...any) {
	c.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (c cronLog) Error(err error, msg string, kv ...any) {
	c.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
