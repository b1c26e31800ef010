// Package admission guards post creation and workflow activation with the
// subscription quotas. All checks spend quota through the store's conditional
// increments, so concurrent requests can never overshoot a limit.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpilot/internal/model"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// DenialReason is the stable machine-readable code attached to a quota denial.
type DenialReason string

const (
	// ReasonFreePostsExceeded: free-tier user spent all free post slots.
	ReasonFreePostsExceeded DenialReason = "free_posts_exceeded"
	// ReasonPlanLimitExceeded: subscriber spent the plan's post quota.
	ReasonPlanLimitExceeded DenialReason = "plan_limit_exceeded"
	// ReasonNoSubscription: workflow activation requires an active subscription.
	ReasonNoSubscription DenialReason = "no_subscription"
	// ReasonLimitExceeded: the plan's channel slots are all taken by other
	// active workflows.
	ReasonLimitExceeded DenialReason = "limit_exceeded"
)

// DeniedError carries the denial reason across API boundaries.
type DeniedError struct {
	Reason DenialReason
	Detail string
}

func (e *DeniedError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Detail
}

func denied(reason DenialReason, format string, args ...any) error {
	return &DeniedError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the denial reason from err, if it is a quota denial.
func ReasonOf(err error) (DenialReason, bool) {
	var de *DeniedError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return "", false
}

// QuotaGate admits post creation against the free tier or the user's plan.
type QuotaGate struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewQuotaGate(store storage.Store, log logx.Logger) *QuotaGate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &QuotaGate{store: store, log: log.With(logx.String("component", "quota_gate")), now: time.Now}
}

// AdmitPostCreation spends one post slot for the user, or returns a
// DeniedError. Users without an active subscription draw from the free tier;
// subscribers draw from the plan counter (the manual counter for manual
// posts). The check and the increment are a single atomic store operation.
func (g *QuotaGate) AdmitPostCreation(ctx context.Context, userID int64, manual bool) error {
	now := g.now().UTC()

	sub, plan, err := g.store.ActiveSubscription(ctx, userID, now)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return g.admitFree(ctx, userID)
	case err != nil:
		return fmt.Errorf("admit post: %w", err)
	}

	admit := g.store.AdmitPlanPost
	limit := plan.PostsLimit
	if manual {
		admit = g.store.AdmitManualPost
		limit = plan.ManualPostsLimit
	}
	if err := admit(ctx, sub.ID, limit); err != nil {
		if errors.Is(err, storage.ErrLimitReached) {
			g.log.Info("post denied: plan limit reached",
				logx.Int64("user_id", userID),
				logx.Int64("subscription_id", sub.ID),
				logx.Int("limit", limit),
				logx.Bool("manual", manual))
			return denied(ReasonPlanLimitExceeded, "plan %q allows %d posts", plan.Name, limit)
		}
		return fmt.Errorf("admit post: %w", err)
	}
	return nil
}

func (g *QuotaGate) admitFree(ctx context.Context, userID int64) error {
	if err := g.store.AdmitFreePost(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrLimitReached) {
			g.log.Info("post denied: free tier exhausted", logx.Int64("user_id", userID))
			return denied(ReasonFreePostsExceeded, "free post quota exhausted")
		}
		return fmt.Errorf("admit free post: %w", err)
	}
	return nil
}

// ActivationGate holds workflow activation to the plan's channel slots.
type ActivationGate struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewActivationGate(store storage.Store, log logx.Logger) *ActivationGate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ActivationGate{store: store, log: log.With(logx.String("component", "activation_gate")), now: time.Now}
}

// ToggleWorkflowActivation flips the workflow between active and inactive and
// returns the updated workflow, so the caller can re-render dependent settings
// atomically with the new status. Deactivation is always allowed. Activation
// requires an active subscription and a free channel slot; the toggled
// workflow itself never counts against the slot limit.
func (g *ActivationGate) ToggleWorkflowActivation(ctx context.Context, userID, workflowID int64) (model.Workflow, error) {
	w, err := g.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("toggle workflow %d: %w", workflowID, err)
	}
	if w.UserID != userID {
		return model.Workflow{}, fmt.Errorf("toggle workflow %d: %w", workflowID, storage.ErrNotFound)
	}

	if w.Status == model.WorkflowActive {
		if err := g.store.SetWorkflowStatus(ctx, workflowID, model.WorkflowInactive); err != nil {
			return model.Workflow{}, fmt.Errorf("deactivate workflow %d: %w", workflowID, err)
		}
		g.log.Info("workflow deactivated", logx.Int64("workflow_id", workflowID), logx.Int64("user_id", userID))
		w.Status = model.WorkflowInactive
		return w, nil
	}

	now := g.now().UTC()
	_, plan, err := g.store.ActiveSubscription(ctx, userID, now)
	if errors.Is(err, storage.ErrNotFound) {
		g.log.Info("activation denied: no subscription", logx.Int64("user_id", userID), logx.Int64("workflow_id", workflowID))
		return model.Workflow{}, denied(ReasonNoSubscription, "workflow activation requires a subscription")
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("toggle workflow %d: %w", workflowID, err)
	}

	active, err := g.store.CountActiveWorkflows(ctx, userID, workflowID)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("toggle workflow %d: %w", workflowID, err)
	}
	if active >= plan.ChannelsLimit {
		g.log.Info("activation denied: channel slots taken",
			logx.Int64("user_id", userID),
			logx.Int64("workflow_id", workflowID),
			logx.Int("active", active),
			logx.Int("limit", plan.ChannelsLimit))
		return model.Workflow{}, denied(ReasonLimitExceeded, "plan %q allows %d active workflows", plan.Name, plan.ChannelsLimit)
	}

	if err := g.store.SetWorkflowStatus(ctx, workflowID, model.WorkflowActive); err != nil {
		return model.Workflow{}, fmt.Errorf("activate workflow %d: %w", workflowID, err)
	}
	g.log.Info("workflow activated", logx.Int64("workflow_id", workflowID), logx.Int64("user_id", userID))
	w.Status = model.WorkflowActive
	return w, nil
}
