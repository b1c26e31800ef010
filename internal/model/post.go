package model

import (
	"fmt"
	"time"
)

type PostStatus string

const (
	// PostPending means the post exists but is not yet eligible for dispatch
	// (no confirmed schedule, or moderation outstanding).
	PostPending PostStatus = "pending"
	// PostScheduled means the post will be dispatched once scheduled_time passes.
	PostScheduled PostStatus = "scheduled"
	// PostPublishing means a dispatcher instance holds the claim on this post.
	PostPublishing PostStatus = "publishing"
	PostPublished  PostStatus = "published"
	PostFailed     PostStatus = "failed"
)

// Post is the unit of schedulable work.
//
// Exactly one of WorkflowID / SocialAccountID is needed to resolve a
// destination: workflow posts resolve through the workflow's settings, manual
// standalone posts resolve through SocialAccountID directly.
type Post struct {
	ID              int64
	WorkflowID      *int64
	SocialAccountID *int64
	Topic           string
	Content         string
	MediaType       MediaType
	Status          PostStatus
	ScheduledTime   time.Time
	PublishedTime   *time.Time
	RetryCount      int
	LastError       string
	IsEditable      bool
	Moderated       bool
	IsManual        bool
	ClaimedBy       string
	LeaseExpiry     *time.Time
	CreatedAt       time.Time
}

// transitions is the full edge set of the post lifecycle.
// publishing -> scheduled is the retry re-entry edge.
var transitions = map[PostStatus][]PostStatus{
	PostPending:    {PostScheduled},
	PostScheduled:  {PostPublishing},
	PostPublishing: {PostPublished, PostFailed, PostScheduled},
	PostPublished:  {},
	PostFailed:     {},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to PostStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the dispatcher will never touch the post again.
func (s PostStatus) Terminal() bool {
	return s == PostPublished || s == PostFailed
}

// ValidStatus reports whether s is one of the known lifecycle states.
func ValidStatus(s PostStatus) bool {
	_, ok := transitions[s]
	return ok
}

// Editable reports whether topic/content/scheduled_time may still change.
// Published posts are immutable.
func (p Post) Editable() bool {
	return p.Status != PostPublished
}

// Deletable mirrors Editable: deletion is a user action permitted only
// before publication.
func (p Post) Deletable() bool {
	return p.Status != PostPublished
}

// ReadyToSchedule checks the pending -> scheduled preconditions: a concrete
// scheduled time, and moderation approval when the workflow demands it.
func (p Post) ReadyToSchedule(moderationRequired bool) error {
	if p.ScheduledTime.IsZero() {
		return fmt.Errorf("post %d: scheduled time not set", p.ID)
	}
	if moderationRequired && !p.Moderated {
		return fmt.Errorf("post %d: moderation approval outstanding", p.ID)
	}
	return nil
}

// Due reports whether the post should be picked up by the dispatcher.
func (p Post) Due(now time.Time) bool {
	return p.Status == PostScheduled && !p.ScheduledTime.After(now)
}

// LeaseExpired reports whether a publishing claim has gone stale and the
// post may be reclaimed by another dispatcher instance.
func (p Post) LeaseExpired(now time.Time) bool {
	return p.Status == PostPublishing && p.LeaseExpiry != nil && p.LeaseExpiry.Before(now)
}
