// Package model holds the persisted domain records and the post lifecycle
// rules shared by admission, dispatch and storage.
package model

import "time"

type MediaType string

const (
	MediaText  MediaType = "text"
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

type WorkflowStatus string

const (
	WorkflowActive   WorkflowStatus = "active"
	WorkflowInactive WorkflowStatus = "inactive"
)

type WorkflowMode string

const (
	ModeAuto   WorkflowMode = "auto"
	ModeManual WorkflowMode = "manual"
	ModeMixed  WorkflowMode = "mixed"
)

// User carries only the quota fields the pipeline reads and writes.
// Profile data lives with the (out of scope) UI layer.
type User struct {
	ID             int64
	TelegramID     int64
	Name           string
	FreePostsUsed  int
	FreePostsLimit int
	Timezone       string
	CreatedAt      time.Time
}

// DefaultFreePostsLimit applies to users created without an explicit limit.
const DefaultFreePostsLimit = 5

// Plan is read-only to the pipeline; it is referenced by subscriptions and
// never mutated here.
type Plan struct {
	ID               int64
	Name             string
	Price            float64
	ChannelsLimit    int
	PostsLimit       int
	ManualPostsLimit int
	AIPriority       bool
	IsActive         bool
}

type Subscription struct {
	ID        int64
	UserID    int64
	PlanID    int64
	StartDate time.Time
	EndDate   time.Time
	Status    string
}

// Active reports whether the subscription is usable at the given instant.
func (s Subscription) Active(now time.Time) bool {
	return s.Status == "active" && s.EndDate.After(now)
}

type UsageStats struct {
	SubscriptionID    int64
	PostsUsed         int
	ManualPostsUsed   int
	ChannelsConnected int
}

type SocialAccount struct {
	ID             int64
	UserID         int64
	Platform       string
	ChannelName    string
	ChannelID      string
	TelegramChatID string
}

type Workflow struct {
	ID        int64
	UserID    int64
	Name      string
	Status    WorkflowStatus
	CreatedAt time.Time
}

// WorkflowSettings is 1:1 with a Workflow.
//
// IntervalHours nil means manual mode: the materializer never produces posts
// for the workflow. FirstPostTime is "HH:MM", always interpreted as UTC.
type WorkflowSettings struct {
	WorkflowID      int64
	SocialAccountID int64
	IntervalHours   *int
	FirstPostTime   string
	Mode            WorkflowMode
	Moderation      bool
	LastExecution   *time.Time
}

type PublicationStatus string

const (
	PublicationStarted PublicationStatus = "started"
	PublicationSuccess PublicationStatus = "success"
	PublicationFailed  PublicationStatus = "failed"
)

// PublicationEntry is one append-only audit row per publish attempt.
// It is opened before the send and closed exactly once by the dispatcher.
type PublicationEntry struct {
	ID           int64
	PostID       int64
	Attempt      int
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       PublicationStatus
	ErrorCode    string
	ErrorMessage string
}

// Error codes recorded on failed publications and posts.
const (
	ErrCodeNoDestination = "no_destination"
	ErrCodeTimeout       = "timeout"
	ErrCodeDelivery      = "delivery_error"
)
