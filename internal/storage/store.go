package storage

import (
	"context"
	"time"

	"postpilot/internal/model"
)

// Store is the persistence API used by admission, dispatch and the workflow
// materializer.
type Store interface {
	UserStore
	SubscriptionStore
	WorkflowStore
	PostStore
	PublicationStore

	Close() error
}

type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id int64) (model.User, error)

	// AdmitFreePost atomically spends one free-tier slot:
	// it increments free_posts_used only while it is below free_posts_limit.
	// Returns ErrLimitReached when the quota is exhausted.
	AdmitFreePost(ctx context.Context, userID int64) error

	CreateSocialAccount(ctx context.Context, a *model.SocialAccount) error
	GetSocialAccount(ctx context.Context, id int64) (model.SocialAccount, error)
}

type SubscriptionStore interface {
	CreatePlan(ctx context.Context, p *model.Plan) error
	CreateSubscription(ctx context.Context, s *model.Subscription) error

	// ActiveSubscription returns the user's active subscription and its plan.
	// When overlapping active rows exist the one with the latest end date wins.
	// Returns ErrNotFound when the user has no active subscription.
	ActiveSubscription(ctx context.Context, userID int64, now time.Time) (model.Subscription, model.Plan, error)

	Usage(ctx context.Context, subscriptionID int64) (model.UsageStats, error)

	// AdmitPlanPost atomically spends one subscription post slot
	// (posts_used < limit). Returns ErrLimitReached at the cap.
	AdmitPlanPost(ctx context.Context, subscriptionID int64, limit int) error

	// AdmitManualPost is AdmitPlanPost for the manual-post counter.
	AdmitManualPost(ctx context.Context, subscriptionID int64, limit int) error
}

type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w *model.Workflow, settings *model.WorkflowSettings) error
	GetWorkflow(ctx context.Context, id int64) (model.Workflow, error)
	GetWorkflowSettings(ctx context.Context, workflowID int64) (model.WorkflowSettings, error)

	// CountActiveWorkflows counts the user's active workflows, excluding
	// excludeID (pass 0 to exclude nothing).
	CountActiveWorkflows(ctx context.Context, userID, excludeID int64) (int, error)

	SetWorkflowStatus(ctx context.Context, id int64, status model.WorkflowStatus) error

	// ActiveAutoWorkflows lists active workflows whose settings declare a
	// recurrence interval, for the materializer.
	ActiveAutoWorkflows(ctx context.Context) ([]model.Workflow, []model.WorkflowSettings, error)

	UpdateLastExecution(ctx context.Context, workflowID int64, at time.Time) error
}

type PostStore interface {
	CreatePost(ctx context.Context, p *model.Post) error
	GetPost(ctx context.Context, id int64) (model.Post, error)

	// UpdatePostContent edits topic/content/scheduled_time.
	// Returns ErrNotEditable for published posts.
	UpdatePostContent(ctx context.Context, id int64, topic, content string, scheduledTime time.Time) error

	// SchedulePost performs the pending -> scheduled transition, optionally
	// recording moderation approval. Returns ErrInvalidTransition when the
	// post is not pending.
	SchedulePost(ctx context.Context, id int64, scheduledTime time.Time, moderated bool) error

	// DeletePost removes a post unless it is published.
	DeletePost(ctx context.Context, id int64) error

	// DuePosts selects dispatchable posts: scheduled with scheduled_time <= now,
	// plus publishing posts whose lease expired. Ordered by scheduled_time
	// ascending, ties broken by id.
	DuePosts(ctx context.Context, now time.Time, limit int) ([]model.Post, error)

	// ClaimPost atomically takes the scheduled -> publishing edge (or reclaims
	// an expired lease), recording the claiming dispatcher and its lease.
	// Returns ErrClaimLost when another instance won.
	ClaimPost(ctx context.Context, id int64, claimedBy string, leaseExpiry, now time.Time) error

	// MarkPublished finishes a claim with success. Only the claim holder can
	// complete it; otherwise ErrClaimLost.
	MarkPublished(ctx context.Context, id int64, claimedBy string, publishedAt time.Time) error

	// MarkFailed finishes a claim with a terminal failure, recording the error
	// and bumping retry_count.
	MarkFailed(ctx context.Context, id int64, claimedBy, errMsg string) error

	// RequeueForRetry re-enters scheduled with a future scheduled_time,
	// bumping retry_count and recording the last error.
	RequeueForRetry(ctx context.Context, id int64, claimedBy string, nextAttempt time.Time, errMsg string) error

	// ReleaseClaim hands a claimed post back to scheduled untouched; no
	// attempt was made, so retry_count and scheduled_time stay as they were.
	ReleaseClaim(ctx context.Context, id int64, claimedBy string) error

	// ResolveDestination resolves the post's destination account: through the
	// workflow's settings when the post belongs to one, directly through
	// social_account_id otherwise. Returns ErrNotFound when neither resolves.
	ResolveDestination(ctx context.Context, p model.Post) (model.SocialAccount, error)

	CountPostsByStatus(ctx context.Context) (map[model.PostStatus]int, error)
}

type PublicationStore interface {
	// OpenPublication appends a "started" audit row for the next attempt of
	// the post and returns the entry id and the 1-based attempt number.
	OpenPublication(ctx context.Context, postID int64, startedAt time.Time) (entryID int64, attempt int, err error)

	// ClosePublication finishes the entry opened by OpenPublication.
	ClosePublication(ctx context.Context, entryID int64, finishedAt time.Time, status model.PublicationStatus, errCode, errMsg string) error

	PublicationsForPost(ctx context.Context, postID int64) ([]model.PublicationEntry, error)
}
