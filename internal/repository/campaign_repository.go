package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/mailcast-backend/internal/errors"
	"github.com/unclebandit/mailcast-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	// Enqueue
	CreateWithRecipients(ctx context.Context, c *model.Campaign, recipients []model.Recipient) error

	// Reads
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit, tenantID int, status string) ([]*model.Campaign, int, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)

	// State machine
	PromoteScheduled(ctx context.Context, now time.Time) (int, error)
	MarkSending(ctx context.Context, id int) error
	// MarkSent reports whether the campaign moved to sent. It is false when
	// the campaign was already terminal.
	MarkSent(ctx context.Context, id, sentCount int) (bool, error)
	MarkFailed(ctx context.Context, id int, reason string) error
	SyncSentCount(ctx context.Context, id, sentCount int) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, tenant_id, subject, body, status, total_recipients, sent_count,
	scheduled_at, allow_replies, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.TenantID, &c.Subject, &c.Body, &c.Status, &c.TotalRecipients, &c.SentCount,
		&c.ScheduledAt, &c.AllowReplies, &c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ====================== Enqueue ======================

// CreateWithRecipients writes the campaign row and its fan-out rows in one
// transaction. total_recipients is fixed here and never written again.
func (r *CampaignRepository) CreateWithRecipients(ctx context.Context, c *model.Campaign, recipients []model.Recipient) error {
	if len(recipients) == 0 {
		return appErrors.ErrEmptyAudience
	}
	c.TotalRecipients = len(recipients)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO campaigns (tenant_id, subject, body, status, total_recipients, sent_count, scheduled_at, allow_replies, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, NOW())
		RETURNING id, created_at
	`
	err = tx.QueryRowContext(ctx, query, c.TenantID, c.Subject, c.Body, c.Status, c.TotalRecipients, c.ScheduledAt, c.AllowReplies).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("recipients", "campaign_id", "subscriber_id", "address", "name", "token", "unsubscribe_token", "pending"))
	if err != nil {
		return fmt.Errorf("prepare recipient copy: %w", err)
	}
	for _, rc := range recipients {
		if _, err := stmt.ExecContext(ctx, c.ID, rc.SubscriberID, rc.Address, rc.Name, rc.Token, rc.UnsubscribeToken, true); err != nil {
			stmt.Close()
			return fmt.Errorf("copy recipient %s: %w", rc.Address, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush recipient copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close recipient copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

// ====================== Reads ======================

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit, tenantID int, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if tenantID > 0 {
		where += fmt.Sprintf(" AND tenant_id=$%d", argPos)
		args = append(args, tenantID)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// ListDue returns dispatchable campaigns, earliest due first. A zero limit
// returns all of them.
func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status IN ('queued', 'sending')
		  AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY COALESCE(scheduled_at, created_at), created_at, id
		LIMIT NULLIF($2, 0)
	`
	rows, err := r.DB.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

// ====================== State machine ======================

func (r *CampaignRepository) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET status='queued', updated_at=NOW() WHERE status='scheduled' AND scheduled_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *CampaignRepository) MarkSending(ctx context.Context, id int) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET status='sending', updated_at=NOW() WHERE id=$1 AND status='queued'`, id)
	return err
}

func (r *CampaignRepository) MarkSent(ctx context.Context, id, sentCount int) (bool, error) {
	query := `
		UPDATE campaigns
		SET status='sent',
		    sent_count=GREATEST(sent_count, LEAST($2, total_recipients)),
		    error_message='',
		    updated_at=NOW()
		WHERE id=$1 AND status IN ('queued', 'sending')
	`
	res, err := r.DB.ExecContext(ctx, query, id, sentCount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepository) MarkFailed(ctx context.Context, id int, reason string) error {
	query := `
		UPDATE campaigns SET status='failed', error_message=$2, updated_at=NOW()
		WHERE id=$1 AND status NOT IN ('sent', 'failed')
	`
	_, err := r.DB.ExecContext(ctx, query, id, reason)
	return err
}

// SyncSentCount raises sent_count to the derived value, never lowering it
// and never exceeding total_recipients.
func (r *CampaignRepository) SyncSentCount(ctx context.Context, id, sentCount int) error {
	query := `
		UPDATE campaigns
		SET sent_count=GREATEST(sent_count, LEAST($2, total_recipients)), updated_at=NOW()
		WHERE id=$1
	`
	_, err := r.DB.ExecContext(ctx, query, id, sentCount)
	return err
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
