// Package posts exposes the user-facing post operations on top of storage
// and the quota gate: manual post creation, moderation approval, and the
// edit/delete rules.
package posts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpilot/internal/admission"
	"postpilot/internal/model"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type Service struct {
	store storage.Store
	gate  *admission.QuotaGate
	log   logx.Logger
}

func New(store storage.Store, gate *admission.QuotaGate, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, gate: gate, log: log.With(logx.String("component", "posts"))}
}

// ManualPost describes a standalone post targeting a social account directly,
// outside any workflow.
type ManualPost struct {
	UserID          int64
	SocialAccountID int64
	Topic           string
	Content         string
	MediaType       model.MediaType
	ScheduledTime   time.Time
}

// CreateManual admits the post against the user's manual quota (or the free
// tier) and stores it as scheduled. The destination account must belong to
// the user.
func (s *Service) CreateManual(ctx context.Context, req ManualPost) (model.Post, error) {
	if req.Topic == "" || req.Content == "" {
		return model.Post{}, errors.New("topic and content are required")
	}
	if req.ScheduledTime.IsZero() {
		return model.Post{}, errors.New("scheduled time is required")
	}

	acc, err := s.store.GetSocialAccount(ctx, req.SocialAccountID)
	if err != nil {
		return model.Post{}, fmt.Errorf("manual post: %w", err)
	}
	if acc.UserID != req.UserID {
		return model.Post{}, fmt.Errorf("manual post: %w", storage.ErrNotFound)
	}

	if err := s.gate.AdmitPostCreation(ctx, req.UserID, true); err != nil {
		return model.Post{}, err
	}

	p := model.Post{
		SocialAccountID: &req.SocialAccountID,
		Topic:           req.Topic,
		Content:         req.Content,
		MediaType:       req.MediaType,
		Status:          model.PostScheduled,
		ScheduledTime:   req.ScheduledTime.UTC(),
		Moderated:       true,
		IsManual:        true,
	}
	if err := s.store.CreatePost(ctx, &p); err != nil {
		return model.Post{}, fmt.Errorf("manual post: %w", err)
	}
	s.log.Info("manual post created",
		logx.Int64("post_id", p.ID),
		logx.Int64("user_id", req.UserID),
		logx.Time("scheduled", p.ScheduledTime))
	return p, nil
}

// Approve records moderation approval and moves the pending post to
// scheduled. A zero "at" keeps the post's existing scheduled time.
func (s *Service) Approve(ctx context.Context, postID int64, at time.Time) error {
	p, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("approve post %d: %w", postID, err)
	}
	if at.IsZero() {
		at = p.ScheduledTime
	}
	if at.IsZero() {
		return fmt.Errorf("approve post %d: no scheduled time", postID)
	}
	if err := s.store.SchedulePost(ctx, postID, at.UTC(), true); err != nil {
		return fmt.Errorf("approve post %d: %w", postID, err)
	}
	s.log.Info("post approved", logx.Int64("post_id", postID), logx.Time("scheduled", at))
	return nil
}

// Edit updates topic, content and scheduled time. Published posts are
// immutable (storage.ErrNotEditable).
func (s *Service) Edit(ctx context.Context, postID int64, topic, content string, at time.Time) error {
	if err := s.store.UpdatePostContent(ctx, postID, topic, content, at.UTC()); err != nil {
		return fmt.Errorf("edit post %d: %w", postID, err)
	}
	return nil
}

// Delete removes an unpublished post.
func (s *Service) Delete(ctx context.Context, postID int64) error {
	if err := s.store.DeletePost(ctx, postID); err != nil {
		return fmt.Errorf("delete post %d: %w", postID, err)
	}
	s.log.Info("post deleted", logx.Int64("post_id", postID))
	return nil
}

// Stats returns the post count per lifecycle state.
func (s *Service) Stats(ctx context.Context) (map[model.PostStatus]int, error) {
	return s.store.CountPostsByStatus(ctx)
}
