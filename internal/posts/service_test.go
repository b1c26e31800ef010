package posts

import (
	"context"
	"errors"
	"testing"
	"time"

	"postpilot/internal/admission"
	"postpilot/internal/model"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type fixture struct {
	store storage.Store
	svc   *Service
	user  model.User
	acc   model.SocialAccount
}

func newFixture(t *testing.T, freeLimit int) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", DSN: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	u := model.User{Name: "tester", FreePostsLimit: freeLimit}
	if err := st.CreateUser(ctx, &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	acc := model.SocialAccount{UserID: u.ID, Platform: "telegram", ChannelName: "c", ChannelID: "@c"}
	if err := st.CreateSocialAccount(ctx, &acc); err != nil {
		t.Fatalf("create account: %v", err)
	}

	return &fixture{
		store: st,
		svc:   New(st, admission.NewQuotaGate(st, logx.Nop()), logx.Nop()),
		user:  u,
		acc:   acc,
	}
}

func TestCreateManual(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	at := time.Now().UTC().Add(time.Hour)

	p, err := f.svc.CreateManual(ctx, ManualPost{
		UserID:          f.user.ID,
		SocialAccountID: f.acc.ID,
		Topic:           "t",
		Content:         "c",
		ScheduledTime:   at,
	})
	if err != nil {
		t.Fatalf("create manual: %v", err)
	}
	if p.Status != model.PostScheduled || !p.IsManual || !p.Moderated {
		t.Fatalf("post = %+v, want scheduled manual moderated", p)
	}

	// Free quota spent.
	_, err = f.svc.CreateManual(ctx, ManualPost{
		UserID: f.user.ID, SocialAccountID: f.acc.ID,
		Topic: "t", Content: "c", ScheduledTime: at,
	})
	if reason, ok := admission.ReasonOf(err); !ok || reason != admission.ReasonFreePostsExceeded {
		t.Fatalf("want free_posts_exceeded, got %v", err)
	}
}

func TestCreateManualForeignAccount(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	other := model.User{Name: "other"}
	if err := f.store.CreateUser(ctx, &other); err != nil {
		t.Fatalf("create user: %v", err)
	}

	_, err := f.svc.CreateManual(ctx, ManualPost{
		UserID:          other.ID,
		SocialAccountID: f.acc.ID,
		Topic:           "t",
		Content:         "c",
		ScheduledTime:   time.Now().UTC().Add(time.Hour),
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign account: want ErrNotFound, got %v", err)
	}

	// Denied creation must not spend quota.
	u, _ := f.store.GetUser(ctx, other.ID)
	if u.FreePostsUsed != 0 {
		t.Fatalf("free_posts_used = %d, want 0", u.FreePostsUsed)
	}
}

func TestApprove(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	at := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)

	pending := model.Post{SocialAccountID: &f.acc.ID, Topic: "t", Content: "c", ScheduledTime: at}
	if err := f.store.CreatePost(ctx, &pending); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	if err := f.svc.Approve(ctx, pending.ID, time.Time{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, _ := f.store.GetPost(ctx, pending.ID)
	if got.Status != model.PostScheduled || !got.Moderated {
		t.Fatalf("post = %+v, want scheduled moderated", got)
	}
	if !got.ScheduledTime.Equal(at) {
		t.Fatalf("scheduled_time = %v, want kept %v", got.ScheduledTime, at)
	}

	// Approving twice is an invalid transition.
	if err := f.svc.Approve(ctx, pending.ID, time.Time{}); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("double approve: want ErrInvalidTransition, got %v", err)
	}
}

func TestEditAndDeleteGuards(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	now := time.Now().UTC()

	p := model.Post{SocialAccountID: &f.acc.ID, Topic: "t", Content: "c", Status: model.PostScheduled, ScheduledTime: now.Add(-time.Minute)}
	if err := f.store.CreatePost(ctx, &p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.Edit(ctx, p.ID, "t2", "c2", now.Add(time.Hour)); err != nil {
		t.Fatalf("edit scheduled: %v", err)
	}

	if err := f.store.ClaimPost(ctx, p.ID, "d1", now.Add(time.Minute), now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.store.MarkPublished(ctx, p.ID, "d1", now); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := f.svc.Edit(ctx, p.ID, "x", "y", now); !errors.Is(err, storage.ErrNotEditable) {
		t.Fatalf("edit published: want ErrNotEditable, got %v", err)
	}
	if err := f.svc.Delete(ctx, p.ID); !errors.Is(err, storage.ErrNotEditable) {
		t.Fatalf("delete published: want ErrNotEditable, got %v", err)
	}
}
