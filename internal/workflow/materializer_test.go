package workflow

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

func TestParseClock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		hh, mm  int
		wantErr bool
	}{
		{in: "09:00", hh: 9, mm: 0},
		{in: "23:59", hh: 23, mm: 59},
		{in: " 07:30 ", hh: 7, mm: 30},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			hh, mm, err := ParseClock(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseClock: %v", err)
			}
			if hh != tt.hh || mm != tt.mm {
				t.Fatalf("got %02d:%02d, want %02d:%02d", hh, mm, tt.hh, tt.mm)
			}
		})
	}
}

func TestNextRun(t *testing.T) {
	t.Parallel()
	interval := 6
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		s       model.WorkflowSettings
		want    time.Time
		wantErr bool
	}{
		{
			name: "never ran, first time already passed",
			s:    model.WorkflowSettings{IntervalHours: &interval, FirstPostTime: "09:00"},
			want: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "never ran, first time still ahead",
			s:    model.WorkflowSettings{IntervalHours: &interval, FirstPostTime: "18:30"},
			want: time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC),
		},
		{
			name: "recurring from last execution",
			s:    model.WorkflowSettings{IntervalHours: &interval, FirstPostTime: "09:00", LastExecution: &last},
			want: last.Add(6 * time.Hour),
		},
		{
			name:    "manual workflow has no next run",
			s:       model.WorkflowSettings{FirstPostTime: "09:00"},
			wantErr: true,
		},
		{
			name:    "bad clock",
			s:       model.WorkflowSettings{IntervalHours: &interval, FirstPostTime: "25:00"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextRun(tt.s, now)
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NextRun: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextRun = %v, want %v", got, tt.want)
			}
		})
	}
}

type matFixture struct {
	store storage.Store
	mat   *Materializer
	user  model.User
	acc   model.SocialAccount
}

func newMatFixture(t *testing.T, freeLimit int, gen ContentGenerator) *matFixture {
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

	gate := admission.NewQuotaGate(st, logx.Nop())
	return &matFixture{
		store: st,
		mat:   New(Config{}, st, gate, gen, nil, logx.Nop()),
		user:  u,
		acc:   acc,
	}
}

func (f *matFixture) autoWorkflow(t *testing.T, intervalHours int, moderation bool) model.Workflow {
	t.Helper()
	w := model.Workflow{UserID: f.user.ID, Name: "digest", Status: model.WorkflowActive}
	s := model.WorkflowSettings{
		SocialAccountID: f.acc.ID,
		IntervalHours:   &intervalHours,
		FirstPostTime:   "00:00",
		Moderation:      moderation,
	}
	if err := f.store.CreateWorkflow(context.Background(), &w, &s); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return w
}

func workflowPosts(t *testing.T, st storage.Store) map[model.PostStatus]int {
	t.Helper()
	counts, err := st.CountPostsByStatus(context.Background())
	if err != nil {
		t.Fatalf("count posts: %v", err)
	}
	return counts
}

func TestRunOnceMaterializesDueWorkflow(t *testing.T) {
	f := newMatFixture(t, 5, nil)
	ctx := context.Background()
	w := f.autoWorkflow(t, 6, false)

	f.mat.RunOnce(ctx)

	counts := workflowPosts(t, f.store)
	if counts[model.PostScheduled] != 1 {
		t.Fatalf("counts = %v, want one scheduled post", counts)
	}

	s, err := f.store.GetWorkflowSettings(ctx, w.ID)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if s.LastExecution == nil {
		t.Fatal("last_execution not advanced")
	}

	// Not due again until the interval elapses.
	f.mat.RunOnce(ctx)
	counts = workflowPosts(t, f.store)
	if counts[model.PostScheduled] != 1 {
		t.Fatalf("counts = %v, workflow re-triggered within interval", counts)
	}
}

func TestRunOnceModerationHoldsPost(t *testing.T) {
	f := newMatFixture(t, 5, nil)
	f.autoWorkflow(t, 6, true)

	f.mat.RunOnce(context.Background())

	counts := workflowPosts(t, f.store)
	if counts[model.PostPending] != 1 || counts[model.PostScheduled] != 0 {
		t.Fatalf("counts = %v, want one pending post", counts)
	}
}

func TestRunOnceQuotaDenied(t *testing.T) {
	f := newMatFixture(t, 0, nil)
	ctx := context.Background()
	w := f.autoWorkflow(t, 6, false)

	f.mat.RunOnce(ctx)

	counts := workflowPosts(t, f.store)
	if len(counts) != 0 {
		t.Fatalf("counts = %v, want no posts for quota-starved user", counts)
	}
	// The slot still advances so the workflow does not hammer the gate.
	s, err := f.store.GetWorkflowSettings(ctx, w.ID)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if s.LastExecution == nil {
		t.Fatal("last_execution not advanced after denial")
	}
}

func TestRunOnceGeneratorFailureIsolated(t *testing.T) {
	broken := GeneratorFunc(func(context.Context, model.Workflow) (string, string, error) {
		return "", "", errors.New("generation backend down")
	})
	f := newMatFixture(t, 5, broken)
	ctx := context.Background()
	f.autoWorkflow(t, 6, false)

	// A generation outage spanning several passes must not touch quota.
	for i := 0; i < 5; i++ {
		f.mat.RunOnce(ctx)
	}

	counts := workflowPosts(t, f.store)
	if len(counts) != 0 {
		t.Fatalf("counts = %v, want no posts on generator failure", counts)
	}
	u, err := f.store.GetUser(ctx, f.user.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.FreePostsUsed != 0 {
		t.Fatalf("free_posts_used = %d, want 0 after failed generations", u.FreePostsUsed)
	}
}
