package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"postpilot/internal/model"
	logx "postpilot/pkg/logx"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

// sqlStore implements Store for both drivers; sqlx.Rebind bridges the
// placeholder dialects.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func (s *sqlStore) migrate(file string) error {
	b, err := migrationsFS.ReadFile(file)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(b)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- time encoding ----

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromMSPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

// ---- users / accounts ----

type userRow struct {
	ID             int64         `db:"id"`
	TelegramID     sql.NullInt64 `db:"telegram_id"`
	Name           string        `db:"name"`
	FreePostsUsed  int           `db:"free_posts_used"`
	FreePostsLimit int           `db:"free_posts_limit"`
	Timezone       string        `db:"timezone"`
	CreatedAt      int64         `db:"created_at"`
}

func (r userRow) toModel() model.User {
	return model.User{
		ID:             r.ID,
		TelegramID:     r.TelegramID.Int64,
		Name:           r.Name,
		FreePostsUsed:  r.FreePostsUsed,
		FreePostsLimit: r.FreePostsLimit,
		Timezone:       r.Timezone,
		CreatedAt:      fromMS(r.CreatedAt),
	}
}

func (s *sqlStore) CreateUser(ctx context.Context, u *model.User) error {
	// A negative limit means "use the default"; zero is a real limit and
	// admits nothing.
	if u.FreePostsLimit < 0 {
		u.FreePostsLimit = model.DefaultFreePostsLimit
	}
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	var tg sql.NullInt64
	if u.TelegramID != 0 {
		tg = sql.NullInt64{Int64: u.TelegramID, Valid: true}
	}
	q := s.db.Rebind(`INSERT INTO users (telegram_id, name, free_posts_used, free_posts_limit, timezone, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)
	return s.db.QueryRowxContext(ctx, q, tg, u.Name, u.FreePostsUsed, u.FreePostsLimit, u.Timezone, ms(u.CreatedAt)).Scan(&u.ID)
}

func (s *sqlStore) GetUser(ctx context.Context, id int64) (model.User, error) {
	var r userRow
	q := s.db.Rebind(`SELECT id, telegram_id, name, free_posts_used, free_posts_limit, timezone, created_at FROM users WHERE id = ?`)
	if err := s.db.GetContext(ctx, &r, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, err
	}
	return r.toModel(), nil
}

func (s *sqlStore) AdmitFreePost(ctx context.Context, userID int64) error {
	q := s.db.Rebind(`UPDATE users SET free_posts_used = free_posts_used + 1
		WHERE id = ? AND free_posts_used < free_posts_limit`)
	res, err := s.db.ExecContext(ctx, q, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return err
	}
	return ErrLimitReached
}

func (s *sqlStore) CreateSocialAccount(ctx context.Context, a *model.SocialAccount) error {
	var chat sql.NullString
	if a.TelegramChatID != "" {
		chat = sql.NullString{String: a.TelegramChatID, Valid: true}
	}
	q := s.db.Rebind(`INSERT INTO social_accounts (user_id, platform, channel_name, channel_id, telegram_chat_id)
		VALUES (?, ?, ?, ?, ?) RETURNING id`)
	return s.db.QueryRowxContext(ctx, q, a.UserID, a.Platform, a.ChannelName, a.ChannelID, chat).Scan(&a.ID)
}

type accountRow struct {
	ID             int64          `db:"id"`
	UserID         int64          `db:"user_id"`
	Platform       string         `db:"platform"`
	ChannelName    string         `db:"channel_name"`
	ChannelID      string         `db:"channel_id"`
	TelegramChatID sql.NullString `db:"telegram_chat_id"`
}

func (r accountRow) toModel() model.SocialAccount {
	return model.SocialAccount{
		ID:             r.ID,
		UserID:         r.UserID,
		Platform:       r.Platform,
		ChannelName:    r.ChannelName,
		ChannelID:      r.ChannelID,
		TelegramChatID: r.TelegramChatID.String,
	}
}

const accountCols = `id, user_id, platform, channel_name, channel_id, telegram_chat_id`

func (s *sqlStore) GetSocialAccount(ctx context.Context, id int64) (model.SocialAccount, error) {
	var r accountRow
	q := s.db.Rebind(`SELECT ` + accountCols + ` FROM social_accounts WHERE id = ?`)
	if err := s.db.GetContext(ctx, &r, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SocialAccount{}, ErrNotFound
		}
		return model.SocialAccount{}, err
	}
	return r.toModel(), nil
}

// ---- plans / subscriptions ----

func (s *sqlStore) CreatePlan(ctx context.Context, p *model.Plan) error {
	q := s.db.Rebind(`INSERT INTO plans (name, price, channels_limit, posts_limit, manual_posts_limit, ai_priority, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	return s.db.QueryRowxContext(ctx, q, p.Name, p.Price, p.ChannelsLimit, p.PostsLimit, p.ManualPostsLimit, p.AIPriority, p.IsActive).Scan(&p.ID)
}

// CreateSubscription also opens the subscription's usage row so admission
// never has to get-or-create it.
func (s *sqlStore) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if sub.Status == "" {
		sub.Status = "active"
	}
	q := tx.Rebind(`INSERT INTO subscriptions (user_id, plan_id, start_date, end_date, status)
		VALUES (?, ?, ?, ?, ?) RETURNING id`)
	if err := tx.QueryRowxContext(ctx, q, sub.UserID, sub.PlanID, ms(sub.StartDate), ms(sub.EndDate), sub.Status).Scan(&sub.ID); err != nil {
		return err
	}
	q = tx.Rebind(`INSERT INTO usage_stats (subscription_id) VALUES (?)`)
	if _, err := tx.ExecContext(ctx, q, sub.ID); err != nil {
		return err
	}
	return tx.Commit()
}

type subscriptionRow struct {
	ID        int64  `db:"id"`
	UserID    int64  `db:"user_id"`
	PlanID    int64  `db:"plan_id"`
	StartDate int64  `db:"start_date"`
	EndDate   int64  `db:"end_date"`
	Status    string `db:"status"`
}

func (s *sqlStore) ActiveSubscription(ctx context.Context, userID int64, now time.Time) (model.Subscription, model.Plan, error) {
	var sr subscriptionRow
	q := s.db.Rebind(`SELECT id, user_id, plan_id, start_date, end_date, status FROM subscriptions
		WHERE user_id = ? AND status = 'active' AND end_date > ?
		ORDER BY end_date DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &sr, q, userID, ms(now)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Subscription{}, model.Plan{}, ErrNotFound
		}
		return model.Subscription{}, model.Plan{}, err
	}

	var pr struct {
		ID               int64   `db:"id"`
		Name             string  `db:"name"`
		Price            float64 `db:"price"`
		ChannelsLimit    int     `db:"channels_limit"`
		PostsLimit       int     `db:"posts_limit"`
		ManualPostsLimit int     `db:"manual_posts_limit"`
		AIPriority       bool    `db:"ai_priority"`
		IsActive         bool    `db:"is_active"`
	}
	q = s.db.Rebind(`SELECT id, name, price, channels_limit, posts_limit, manual_posts_limit, ai_priority, is_active FROM plans WHERE id = ?`)
	if err := s.db.GetContext(ctx, &pr, q, sr.PlanID); err != nil {
		return model.Subscription{}, model.Plan{}, err
	}

	sub := model.Subscription{
		ID:        sr.ID,
		UserID:    sr.UserID,
		PlanID:    sr.PlanID,
		StartDate: fromMS(sr.StartDate),
		EndDate:   fromMS(sr.EndDate),
		Status:    sr.Status,
	}
	plan := model.Plan{
		ID:               pr.ID,
		Name:             pr.Name,
		Price:            pr.Price,
		ChannelsLimit:    pr.ChannelsLimit,
		PostsLimit:       pr.PostsLimit,
		ManualPostsLimit: pr.ManualPostsLimit,
		AIPriority:       pr.AIPriority,
		IsActive:         pr.IsActive,
	}
	return sub, plan, nil
}

func (s *sqlStore) Usage(ctx context.Context, subscriptionID int64) (model.UsageStats, error) {
	var r struct {
		SubscriptionID    int64 `db:"subscription_id"`
		PostsUsed         int   `db:"posts_used"`
		ManualPostsUsed   int   `db:"manual_posts_used"`
		ChannelsConnected int   `db:"channels_connected"`
	}
	q := s.db.Rebind(`SELECT subscription_id, posts_used, manual_posts_used, channels_connected FROM usage_stats WHERE subscription_id = ?`)
	if err := s.db.GetContext(ctx, &r, q, subscriptionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UsageStats{}, ErrNotFound
		}
		return model.UsageStats{}, err
	}
	return model.UsageStats(r), nil
}

func (s *sqlStore) AdmitPlanPost(ctx context.Context, subscriptionID int64, limit int) error {
	return s.admitUsage(ctx, subscriptionID, "posts_used", limit)
}

func (s *sqlStore) AdmitManualPost(ctx context.Context, subscriptionID int64, limit int) error {
	return s.admitUsage(ctx, subscriptionID, "manual_posts_used", limit)
}

func (s *sqlStore) admitUsage(ctx context.Context, subscriptionID int64, column string, limit int) error {
	// column is one of two literals above, never user input.
	q := s.db.Rebind(`UPDATE usage_stats SET ` + column + ` = ` + column + ` + 1
		WHERE subscription_id = ? AND ` + column + ` < ?`)
	res, err := s.db.ExecContext(ctx, q, subscriptionID, limit)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Usage(ctx, subscriptionID); err != nil {
		return err
	}
	return ErrLimitReached
}

// ---- workflows ----

type workflowRow struct {
	ID        int64  `db:"id"`
	UserID    int64  `db:"user_id"`
	Name      string `db:"name"`
	Status    string `db:"status"`
	CreatedAt int64  `db:"created_at"`
}

func (r workflowRow) toModel() model.Workflow {
	return model.Workflow{
		ID:        r.ID,
		UserID:    r.UserID,
		Name:      r.Name,
		Status:    model.WorkflowStatus(r.Status),
		CreatedAt: fromMS(r.CreatedAt),
	}
}

type settingsRow struct {
	WorkflowID      int64         `db:"user_workflow_id"`
	SocialAccountID int64         `db:"social_account_id"`
	IntervalHours   sql.NullInt64 `db:"interval_hours"`
	FirstPostTime   string        `db:"first_post_time"`
	Mode            string        `db:"mode"`
	Moderation      bool          `db:"moderation"`
	LastExecution   sql.NullInt64 `db:"last_execution"`
}

func (r settingsRow) toModel() model.WorkflowSettings {
	ws := model.WorkflowSettings{
		WorkflowID:      r.WorkflowID,
		SocialAccountID: r.SocialAccountID,
		FirstPostTime:   r.FirstPostTime,
		Mode:            model.WorkflowMode(r.Mode),
		Moderation:      r.Moderation,
		LastExecution:   fromMSPtr(r.LastExecution),
	}
	if r.IntervalHours.Valid {
		h := int(r.IntervalHours.Int64)
		ws.IntervalHours = &h
	}
	return ws
}

const settingsCols = `user_workflow_id, social_account_id, interval_hours, first_post_time, mode, moderation, last_execution`

func (s *sqlStore) CreateWorkflow(ctx context.Context, w *model.Workflow, settings *model.WorkflowSettings) error {
	if w.Status == "" {
		w.Status = model.WorkflowInactive
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	q := tx.Rebind(`INSERT INTO user_workflows (user_id, name, status, created_at) VALUES (?, ?, ?, ?) RETURNING id`)
	if err := tx.QueryRowxContext(ctx, q, w.UserID, w.Name, string(w.Status), ms(w.CreatedAt)).Scan(&w.ID); err != nil {
		return err
	}

	if settings != nil {
		settings.WorkflowID = w.ID
		if settings.FirstPostTime == "" {
			settings.FirstPostTime = "09:00"
		}
		if settings.Mode == "" {
			settings.Mode = model.ModeAuto
		}
		var interval sql.NullInt64
		if settings.IntervalHours != nil {
			interval = sql.NullInt64{Int64: int64(*settings.IntervalHours), Valid: true}
		}
		q = tx.Rebind(`INSERT INTO workflow_settings (user_workflow_id, social_account_id, interval_hours, first_post_time, mode, moderation, last_execution)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, q,
			w.ID, settings.SocialAccountID, interval, settings.FirstPostTime,
			string(settings.Mode), settings.Moderation, msPtr(settings.LastExecution)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) GetWorkflow(ctx context.Context, id int64) (model.Workflow, error) {
	var r workflowRow
	q := s.db.Rebind(`SELECT id, user_id, name, status, created_at FROM user_workflows WHERE id = ?`)
	if err := s.db.GetContext(ctx, &r, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Workflow{}, ErrNotFound
		}
		return model.Workflow{}, err
	}
	return r.toModel(), nil
}

func (s *sqlStore) GetWorkflowSettings(ctx context.Context, workflowID int64) (model.WorkflowSettings, error) {
	var r settingsRow
	q := s.db.Rebind(`SELECT ` + settingsCols + ` FROM workflow_settings WHERE user_workflow_id = ?`)
	if err := s.db.GetContext(ctx, &r, q, workflowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WorkflowSettings{}, ErrNotFound
		}
		return model.WorkflowSettings{}, err
	}
	return r.toModel(), nil
}

func (s *sqlStore) CountActiveWorkflows(ctx context.Context, userID, excludeID int64) (int, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM user_workflows WHERE user_id = ? AND status = 'active' AND id <> ?`)
	if err := s.db.GetContext(ctx, &n, q, userID, excludeID); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqlStore) SetWorkflowStatus(ctx context.Context, id int64, status model.WorkflowStatus) error {
	q := s.db.Rebind(`UPDATE user_workflows SET status = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ActiveAutoWorkflows(ctx context.Context) ([]model.Workflow, []model.WorkflowSettings, error) {
	var rows []struct {
		workflowRow
		settingsRow
	}
	q := `SELECT w.id, w.user_id, w.name, w.status, w.created_at,
		ws.user_workflow_id, ws.social_account_id, ws.interval_hours, ws.first_post_time, ws.mode, ws.moderation, ws.last_execution
		FROM user_workflows w
		JOIN workflow_settings ws ON ws.user_workflow_id = w.id
		WHERE w.status = 'active' AND ws.interval_hours IS NOT NULL
		ORDER BY w.id`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, nil, err
	}
	workflows := make([]model.Workflow, 0, len(rows))
	settings := make([]model.WorkflowSettings, 0, len(rows))
	for _, r := range rows {
		workflows = append(workflows, r.workflowRow.toModel())
		settings = append(settings, r.settingsRow.toModel())
	}
	return workflows, settings, nil
}

func (s *sqlStore) UpdateLastExecution(ctx context.Context, workflowID int64, at time.Time) error {
	q := s.db.Rebind(`UPDATE workflow_settings SET last_execution = ? WHERE user_workflow_id = ?`)
	res, err := s.db.ExecContext(ctx, q, ms(at), workflowID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- posts ----

type postRow struct {
	ID              int64          `db:"id"`
	WorkflowID      sql.NullInt64  `db:"user_workflow_id"`
	SocialAccountID sql.NullInt64  `db:"social_account_id"`
	Topic           string         `db:"topic"`
	Content         string         `db:"content"`
	MediaType       string         `db:"media_type"`
	Status          string         `db:"status"`
	ScheduledTime   int64          `db:"scheduled_time"`
	PublishedTime   sql.NullInt64  `db:"published_time"`
	RetryCount      int            `db:"retry_count"`
	LastError       string         `db:"last_error"`
	IsEditable      bool           `db:"is_editable"`
	Moderated       bool           `db:"moderated"`
	IsManual        bool           `db:"is_manual"`
	ClaimedBy       string         `db:"claimed_by"`
	LeaseExpiry     sql.NullInt64  `db:"lease_expiry"`
	CreatedAt       int64          `db:"created_at"`
}

func (r postRow) toModel() model.Post {
	p := model.Post{
		ID:            r.ID,
		Topic:         r.Topic,
		Content:       r.Content,
		MediaType:     model.MediaType(r.MediaType),
		Status:        model.PostStatus(r.Status),
		ScheduledTime: fromMS(r.ScheduledTime),
		PublishedTime: fromMSPtr(r.PublishedTime),
		RetryCount:    r.RetryCount,
		LastError:     r.LastError,
		IsEditable:    r.IsEditable,
		Moderated:     r.Moderated,
		IsManual:      r.IsManual,
		ClaimedBy:     r.ClaimedBy,
		LeaseExpiry:   fromMSPtr(r.LeaseExpiry),
		CreatedAt:     fromMS(r.CreatedAt),
	}
	if r.WorkflowID.Valid {
		v := r.WorkflowID.Int64
		p.WorkflowID = &v
	}
	if r.SocialAccountID.Valid {
		v := r.SocialAccountID.Int64
		p.SocialAccountID = &v
	}
	return p
}

const postCols = `id, user_workflow_id, social_account_id, topic, content, media_type, status,
	scheduled_time, published_time, retry_count, last_error, is_editable, moderated, is_manual,
	claimed_by, lease_expiry, created_at`

func nullID(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (s *sqlStore) CreatePost(ctx context.Context, p *model.Post) error {
	if p.Status == "" {
		p.Status = model.PostPending
	}
	if !model.ValidStatus(p.Status) {
		return ErrInvalidTransition
	}
	if p.MediaType == "" {
		p.MediaType = model.MediaText
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	q := s.db.Rebind(`INSERT INTO posts (user_workflow_id, social_account_id, topic, content, media_type, status,
		scheduled_time, retry_count, last_error, is_editable, moderated, is_manual, claimed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	return s.db.QueryRowxContext(ctx, q,
		nullID(p.WorkflowID), nullID(p.SocialAccountID), p.Topic, p.Content, string(p.MediaType), string(p.Status),
		ms(p.ScheduledTime), p.RetryCount, p.LastError, p.IsEditable, p.Moderated, p.IsManual, p.ClaimedBy, ms(p.CreatedAt),
	).Scan(&p.ID)
}

func (s *sqlStore) GetPost(ctx context.Context, id int64) (model.Post, error) {
	var r postRow
	q := s.db.Rebind(`SELECT ` + postCols + ` FROM posts WHERE id = ?`)
	if err := s.db.GetContext(ctx, &r, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Post{}, ErrNotFound
		}
		return model.Post{}, err
	}
	return r.toModel(), nil
}

func (s *sqlStore) UpdatePostContent(ctx context.Context, id int64, topic, content string, scheduledTime time.Time) error {
	q := s.db.Rebind(`UPDATE posts SET topic = ?, content = ?, scheduled_time = ?
		WHERE id = ? AND status <> 'published'`)
	res, err := s.db.ExecContext(ctx, q, topic, content, ms(scheduledTime), id)
	if err != nil {
		return err
	}
	return s.explainNoRows(ctx, res, id, ErrNotEditable)
}

func (s *sqlStore) SchedulePost(ctx context.Context, id int64, scheduledTime time.Time, moderated bool) error {
	q := s.db.Rebind(`UPDATE posts SET status = 'scheduled', scheduled_time = ?, moderated = ?
		WHERE id = ? AND status = 'pending'`)
	res, err := s.db.ExecContext(ctx, q, ms(scheduledTime), moderated, id)
	if err != nil {
		return err
	}
	return s.explainNoRows(ctx, res, id, ErrInvalidTransition)
}

func (s *sqlStore) DeletePost(ctx context.Context, id int64) error {
	q := s.db.Rebind(`DELETE FROM posts WHERE id = ? AND status <> 'published'`)
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	return s.explainNoRows(ctx, res, id, ErrNotEditable)
}

// explainNoRows maps "0 rows affected" onto the right error: the row is
// missing, or the guarded condition blocked the mutation.
func (s *sqlStore) explainNoRows(ctx context.Context, res sql.Result, id int64, guarded error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetPost(ctx, id); err != nil {
		return err
	}
	return guarded
}

func (s *sqlStore) DuePosts(ctx context.Context, now time.Time, limit int) ([]model.Post, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []postRow
	q := s.db.Rebind(`SELECT ` + postCols + ` FROM posts
		WHERE (status = 'scheduled' AND scheduled_time <= ?)
		   OR (status = 'publishing' AND lease_expiry IS NOT NULL AND lease_expiry < ?)
		ORDER BY scheduled_time ASC, id ASC
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, q, ms(now), ms(now), limit); err != nil {
		return nil, err
	}
	posts := make([]model.Post, 0, len(rows))
	for _, r := range rows {
		posts = append(posts, r.toModel())
	}
	return posts, nil
}

func (s *sqlStore) ClaimPost(ctx context.Context, id int64, claimedBy string, leaseExpiry, now time.Time) error {
	q := s.db.Rebind(`UPDATE posts SET status = 'publishing', claimed_by = ?, lease_expiry = ?
		WHERE id = ? AND (status = 'scheduled'
			OR (status = 'publishing' AND lease_expiry IS NOT NULL AND lease_expiry < ?))`)
	res, err := s.db.ExecContext(ctx, q, claimedBy, ms(leaseExpiry), id, ms(now))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *sqlStore) MarkPublished(ctx context.Context, id int64, claimedBy string, publishedAt time.Time) error {
	q := s.db.Rebind(`UPDATE posts SET status = 'published', published_time = ?, last_error = '',
		claimed_by = '', lease_expiry = NULL
		WHERE id = ? AND status = 'publishing' AND claimed_by = ?`)
	return s.claimScoped(ctx, q, ms(publishedAt), id, claimedBy)
}

func (s *sqlStore) MarkFailed(ctx context.Context, id int64, claimedBy, errMsg string) error {
	q := s.db.Rebind(`UPDATE posts SET status = 'failed', retry_count = retry_count + 1, last_error = ?,
		claimed_by = '', lease_expiry = NULL
		WHERE id = ? AND status = 'publishing' AND claimed_by = ?`)
	return s.claimScoped(ctx, q, errMsg, id, claimedBy)
}

func (s *sqlStore) RequeueForRetry(ctx context.Context, id int64, claimedBy string, nextAttempt time.Time, errMsg string) error {
	q := s.db.Rebind(`UPDATE posts SET status = 'scheduled', scheduled_time = ?, retry_count = retry_count + 1,
		last_error = ?, claimed_by = '', lease_expiry = NULL
		WHERE id = ? AND status = 'publishing' AND claimed_by = ?`)
	res, err := s.db.ExecContext(ctx, q, ms(nextAttempt), errMsg, id, claimedBy)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *sqlStore) ReleaseClaim(ctx context.Context, id int64, claimedBy string) error {
	q := s.db.Rebind(`UPDATE posts SET status = 'scheduled', claimed_by = '', lease_expiry = NULL
		WHERE id = ? AND status = 'publishing' AND claimed_by = ?`)
	res, err := s.db.ExecContext(ctx, q, id, claimedBy)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *sqlStore) claimScoped(ctx context.Context, q string, arg any, id int64, claimedBy string) error {
	res, err := s.db.ExecContext(ctx, q, arg, id, claimedBy)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *sqlStore) ResolveDestination(ctx context.Context, p model.Post) (model.SocialAccount, error) {
	if p.WorkflowID != nil {
		var r accountRow
		q := s.db.Rebind(`SELECT a.id, a.user_id, a.platform, a.channel_name, a.channel_id, a.telegram_chat_id
			FROM social_accounts a
			JOIN workflow_settings ws ON ws.social_account_id = a.id
			WHERE ws.user_workflow_id = ?`)
		err := s.db.GetContext(ctx, &r, q, *p.WorkflowID)
		if err == nil {
			return r.toModel(), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.SocialAccount{}, err
		}
		// Fall through to the direct account reference, matching the
		// manual-post path.
	}
	if p.SocialAccountID != nil {
		return s.GetSocialAccount(ctx, *p.SocialAccountID)
	}
	return model.SocialAccount{}, ErrNotFound
}

func (s *sqlStore) CountPostsByStatus(ctx context.Context) (map[model.PostStatus]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM posts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[model.PostStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.PostStatus(status)] = n
	}
	return out, rows.Err()
}

// ---- publication log ----

func (s *sqlStore) OpenPublication(ctx context.Context, postID int64, startedAt time.Time) (int64, int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var attempt int
	q := tx.Rebind(`SELECT COALESCE(MAX(attempt), 0) + 1 FROM publication_log WHERE post_id = ?`)
	if err := tx.GetContext(ctx, &attempt, q, postID); err != nil {
		return 0, 0, err
	}

	var entryID int64
	q = tx.Rebind(`INSERT INTO publication_log (post_id, attempt, started_at, status)
		VALUES (?, ?, ?, 'started') RETURNING id`)
	if err := tx.QueryRowxContext(ctx, q, postID, attempt, ms(startedAt)).Scan(&entryID); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return entryID, attempt, nil
}

func (s *sqlStore) ClosePublication(ctx context.Context, entryID int64, finishedAt time.Time, status model.PublicationStatus, errCode, errMsg string) error {
	q := s.db.Rebind(`UPDATE publication_log SET finished_at = ?, status = ?, error_code = ?, error_message = ?
		WHERE id = ? AND status = 'started'`)
	res, err := s.db.ExecContext(ctx, q, ms(finishedAt), string(status), errCode, errMsg, entryID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) PublicationsForPost(ctx context.Context, postID int64) ([]model.PublicationEntry, error) {
	var rows []struct {
		ID           int64         `db:"id"`
		PostID       int64         `db:"post_id"`
		Attempt      int           `db:"attempt"`
		StartedAt    int64         `db:"started_at"`
		FinishedAt   sql.NullInt64 `db:"finished_at"`
		Status       string        `db:"status"`
		ErrorCode    string        `db:"error_code"`
		ErrorMessage string        `db:"error_message"`
	}
	q := s.db.Rebind(`SELECT id, post_id, attempt, started_at, finished_at, status, error_code, error_message
		FROM publication_log WHERE post_id = ? ORDER BY attempt`)
	if err := s.db.SelectContext(ctx, &rows, q, postID); err != nil {
		return nil, err
	}
	out := make([]model.PublicationEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.PublicationEntry{
			ID:           r.ID,
			PostID:       r.PostID,
			Attempt:      r.Attempt,
			StartedAt:    fromMS(r.StartedAt),
			FinishedAt:   fromMSPtr(r.FinishedAt),
			Status:       model.PublicationStatus(r.Status),
			ErrorCode:    r.ErrorCode,
			ErrorMessage: r.ErrorMessage,
		})
	}
	return out, nil
}
