// Package workflow turns active auto-mode workflows into concrete posts.
// The materializer periodically walks the active workflows, and for each one
// that is due it generates content, spends quota and inserts the post the
// dispatcher will later deliver.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/admission"
	"postpilot/internal/eventbus"
	"postpilot/internal/model"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// ContentGenerator produces the topic and body for a workflow's next post.
// Implementations may call an external generation service; the materializer
// bounds each call with GenerateTimeout.
type ContentGenerator interface {
	Generate(ctx context.Context, w model.Workflow) (topic, content string, err error)
}

// GeneratorFunc adapts a function to ContentGenerator.
type GeneratorFunc func(ctx context.Context, w model.Workflow) (string, string, error)

func (f GeneratorFunc) Generate(ctx context.Context, w model.Workflow) (string, string, error) {
	return f(ctx, w)
}

// StaticGenerator derives a minimal post from the workflow itself. It is the
// fallback when no generation backend is configured.
type StaticGenerator struct{}

func (StaticGenerator) Generate(_ context.Context, w model.Workflow) (string, string, error) {
	return w.Name, fmt.Sprintf("Scheduled update from %s.", w.Name), nil
}

type Config struct {
	// CheckInterval is how often due workflows are evaluated.
	CheckInterval time.Duration
	// GenerateTimeout bounds a single content generation call.
	GenerateTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Minute
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = time.Minute
	}
	return c
}

// Materializer is the workflow-to-post production service.
type Materializer struct {
	cfg   Config
	store storage.Store
	gate  *admission.QuotaGate
	gen   ContentGenerator
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu      sync.Mutex
	c       *cron.Cron
	running bool
}

func New(cfg Config, store storage.Store, gate *admission.QuotaGate, gen ContentGenerator, bus eventbus.Bus, log logx.Logger) *Materializer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gen == nil {
		gen = StaticGenerator{}
	}
	return &Materializer{
		cfg:   cfg.withDefaults(),
		store: store,
		gate:  gate,
		gen:   gen,
		bus:   bus,
		log:   log.With(logx.String("component", "materializer")),
		now:   time.Now,
	}
}

func (m *Materializer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", m.cfg.CheckInterval)
	if _, err := c.AddFunc(spec, func() { m.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("materializer schedule: %w", err)
	}
	c.Start()
	m.c = c
	m.running = true
	m.log.Info("materializer started", logx.Duration("check_interval", m.cfg.CheckInterval))
	return nil
}

func (m *Materializer) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.running = false
	m.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	m.log.Info("materializer stopped")
}

// RunOnce evaluates every active auto workflow once and produces posts for
// the due ones. Failures are isolated per workflow.
func (m *Materializer) RunOnce(ctx context.Context) {
	workflows, settings, err := m.store.ActiveAutoWorkflows(ctx)
	if err != nil {
		m.log.Error("workflow listing failed", logx.Err(err))
		return
	}
	now := m.now().UTC()

	for i := range workflows {
		if ctx.Err() != nil {
			return
		}
		if err := m.materialize(ctx, workflows[i], settings[i], now); err != nil {
			m.log.Warn("workflow skipped",
				logx.Int64("workflow_id", workflows[i].ID),
				logx.Err(err))
		}
	}
}

func (m *Materializer) materialize(ctx context.Context, w model.Workflow, s model.WorkflowSettings, now time.Time) error {
	due, err := NextRun(s, now)
	if err != nil {
		return err
	}
	if due.After(now) {
		return nil
	}

	genCtx, cancel := context.WithTimeout(ctx, m.cfg.GenerateTimeout)
	topic, content, err := m.gen.Generate(genCtx, w)
	cancel()
	if err != nil {
		// No quota has been touched yet; the next pass retries generation.
		return fmt.Errorf("generate content: %w", err)
	}

	// Quota is spent only once content exists, as part of creating the post.
	if err := m.gate.AdmitPostCreation(ctx, w.UserID, false); err != nil {
		if reason, ok := admission.ReasonOf(err); ok {
			m.log.Info("workflow post denied",
				logx.Int64("workflow_id", w.ID),
				logx.Int64("user_id", w.UserID),
				logx.String("reason", string(reason)))
			// Consume the slot in time so a quota-starved workflow does not
			// re-trigger on every pass.
			return m.store.UpdateLastExecution(ctx, w.ID, now)
		}
		return err
	}

	status := model.PostScheduled
	if s.Moderation {
		// Holds the post until an explicit approval schedules it.
		status = model.PostPending
	}
	p := model.Post{
		WorkflowID:    &w.ID,
		Topic:         topic,
		Content:       content,
		Status:        status,
		ScheduledTime: due,
		Moderated:     !s.Moderation,
	}
	if err := m.store.CreatePost(ctx, &p); err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	if err := m.store.UpdateLastExecution(ctx, w.ID, now); err != nil {
		return fmt.Errorf("update last execution: %w", err)
	}

	m.log.Info("post materialized",
		logx.Int64("workflow_id", w.ID),
		logx.Int64("post_id", p.ID),
		logx.String("status", string(status)),
		logx.Time("scheduled", due))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: "post.created", Time: now, Data: CreatedEvent{PostID: p.ID, WorkflowID: w.ID, Status: status}})
	}
	return nil
}

// CreatedEvent is the payload of "post.created".
type CreatedEvent struct {
	PostID     int64
	WorkflowID int64
	Status     model.PostStatus
}
