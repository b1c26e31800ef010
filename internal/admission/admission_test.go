package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"postpilot/internal/model"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", DSN: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newUser(t *testing.T, st storage.Store, freeLimit int) model.User {
	t.Helper()
	u := model.User{Name: "tester", FreePostsLimit: freeLimit}
	if err := st.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func subscribe(t *testing.T, st storage.Store, userID int64, p model.Plan) (model.Subscription, model.Plan) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreatePlan(ctx, &p); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	now := time.Now().UTC()
	sub := model.Subscription{UserID: userID, PlanID: p.ID, StartDate: now, EndDate: now.Add(30 * 24 * time.Hour)}
	if err := st.CreateSubscription(ctx, &sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub, p
}

func wantDenied(t *testing.T, err error, reason DenialReason) {
	t.Helper()
	got, ok := ReasonOf(err)
	if !ok {
		t.Fatalf("want denial %q, got %v", reason, err)
	}
	if got != reason {
		t.Fatalf("denial reason = %q, want %q", got, reason)
	}
}

func TestAdmitPostCreationFreeTier(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	gate := NewQuotaGate(st, logx.Nop())
	u := newUser(t, st, 5)

	for i := 0; i < 5; i++ {
		if err := gate.AdmitPostCreation(ctx, u.ID, false); err != nil {
			t.Fatalf("free post %d: %v", i+1, err)
		}
	}
	wantDenied(t, gate.AdmitPostCreation(ctx, u.ID, false), ReasonFreePostsExceeded)
}

func TestAdmitPostCreationPlan(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	gate := NewQuotaGate(st, logx.Nop())
	u := newUser(t, st, 0) // free tier already exhausted
	subscribe(t, st, u.ID, model.Plan{Name: "basic", ChannelsLimit: 1, PostsLimit: 3, ManualPostsLimit: 1, IsActive: true})

	// A subscriber never touches the free counter, even with it at zero.
	for i := 0; i < 3; i++ {
		if err := gate.AdmitPostCreation(ctx, u.ID, false); err != nil {
			t.Fatalf("plan post %d: %v", i+1, err)
		}
	}
	wantDenied(t, gate.AdmitPostCreation(ctx, u.ID, false), ReasonPlanLimitExceeded)

	// Manual posts draw from their own counter.
	if err := gate.AdmitPostCreation(ctx, u.ID, true); err != nil {
		t.Fatalf("manual post: %v", err)
	}
	wantDenied(t, gate.AdmitPostCreation(ctx, u.ID, true), ReasonPlanLimitExceeded)

	got, err := st.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.FreePostsUsed != 0 {
		t.Fatalf("free_posts_used = %d, want 0", got.FreePostsUsed)
	}
}

func TestAdmitPostCreationExpiredSubscriptionFallsBack(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	u := newUser(t, st, 1)

	p := model.Plan{Name: "basic", ChannelsLimit: 1, PostsLimit: 10, ManualPostsLimit: 5, IsActive: true}
	if err := st.CreatePlan(ctx, &p); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	now := time.Now().UTC()
	sub := model.Subscription{UserID: u.ID, PlanID: p.ID, StartDate: now.Add(-48 * time.Hour), EndDate: now.Add(-time.Hour)}
	if err := st.CreateSubscription(ctx, &sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	gate := NewQuotaGate(st, logx.Nop())
	if err := gate.AdmitPostCreation(ctx, u.ID, false); err != nil {
		t.Fatalf("free post: %v", err)
	}
	wantDenied(t, gate.AdmitPostCreation(ctx, u.ID, false), ReasonFreePostsExceeded)
}

func newWorkflow(t *testing.T, st storage.Store, userID int64, status model.WorkflowStatus) model.Workflow {
	t.Helper()
	w := model.Workflow{UserID: userID, Name: "wf", Status: status}
	if err := st.CreateWorkflow(context.Background(), &w, nil); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return w
}

func TestToggleWorkflowActivationRequiresSubscription(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	gate := NewActivationGate(st, logx.Nop())
	u := newUser(t, st, 5)
	w := newWorkflow(t, st, u.ID, model.WorkflowInactive)

	_, err := gate.ToggleWorkflowActivation(ctx, u.ID, w.ID)
	wantDenied(t, err, ReasonNoSubscription)
}

func TestToggleWorkflowActivationChannelSlots(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	gate := NewActivationGate(st, logx.Nop())
	u := newUser(t, st, 0)
	subscribe(t, st, u.ID, model.Plan{Name: "basic", ChannelsLimit: 2, PostsLimit: 30, ManualPostsLimit: 10, IsActive: true})

	w1 := newWorkflow(t, st, u.ID, model.WorkflowInactive)
	w2 := newWorkflow(t, st, u.ID, model.WorkflowInactive)
	w3 := newWorkflow(t, st, u.ID, model.WorkflowInactive)

	for _, w := range []model.Workflow{w1, w2} {
		got, err := gate.ToggleWorkflowActivation(ctx, u.ID, w.ID)
		if err != nil {
			t.Fatalf("activate %d: %v", w.ID, err)
		}
		// The updated workflow comes back so callers can re-render it.
		if got.ID != w.ID || got.Status != model.WorkflowActive {
			t.Fatalf("got id=%d status=%q, want id=%d active", got.ID, got.Status, w.ID)
		}
	}

	// Both slots taken.
	_, err := gate.ToggleWorkflowActivation(ctx, u.ID, w3.ID)
	wantDenied(t, err, ReasonLimitExceeded)

	// Deactivation always passes and frees the slot.
	got, err := gate.ToggleWorkflowActivation(ctx, u.ID, w1.ID)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got.Status != model.WorkflowInactive {
		t.Fatalf("status = %q, want inactive", got.Status)
	}
	if got, err = gate.ToggleWorkflowActivation(ctx, u.ID, w3.ID); err != nil || got.Status != model.WorkflowActive {
		t.Fatalf("activate after free slot: status=%q err=%v", got.Status, err)
	}
}

func TestToggleWorkflowActivationExcludesSelf(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	gate := NewActivationGate(st, logx.Nop())
	u := newUser(t, st, 0)
	subscribe(t, st, u.ID, model.Plan{Name: "solo", ChannelsLimit: 1, PostsLimit: 30, ManualPostsLimit: 10, IsActive: true})

	// Already-active workflow at the limit: toggling it off and back on must
	// not count the workflow against itself.
	w := newWorkflow(t, st, u.ID, model.WorkflowActive)
	if got, err := gate.ToggleWorkflowActivation(ctx, u.ID, w.ID); err != nil || got.Status != model.WorkflowInactive {
		t.Fatalf("deactivate: status=%q err=%v", got.Status, err)
	}
	if got, err := gate.ToggleWorkflowActivation(ctx, u.ID, w.ID); err != nil || got.Status != model.WorkflowActive {
		t.Fatalf("reactivate: status=%q err=%v", got.Status, err)
	}
}

func TestToggleWorkflowActivationOwnership(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	gate := NewActivationGate(st, logx.Nop())
	owner := newUser(t, st, 0)
	other := newUser(t, st, 0)
	w := newWorkflow(t, st, owner.ID, model.WorkflowInactive)

	if _, err := gate.ToggleWorkflowActivation(ctx, other.ID, w.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign workflow: want ErrNotFound, got %v", err)
	}
	if _, err := gate.ToggleWorkflowActivation(ctx, owner.ID, 9999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing workflow: want ErrNotFound, got %v", err)
	}
}
