package repository

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/mailcast-backend/internal/model"
)

type RecipientRepositoryInterface interface {
	// ClaimPending leases up to limit claimable pending rows of a campaign until
	// leaseUntil and returns them ordered by id. Rows leased by a concurrent
	// tick are skipped, so two ticks never hold the same row.
	ClaimPending(ctx context.Context, campaignID, limit int, now, leaseUntil time.Time) ([]model.Recipient, error)
	// MarkSent flips still-pending rows to sent and returns how many flipped.
	MarkSent(ctx context.Context, ids []int) (int, error)
	ReleaseClaims(ctx context.Context, ids []int) error

	CountPending(ctx context.Context, campaignID int) (int, error)
	CountSent(ctx context.Context, campaignID int) (int, error)
	GetByToken(ctx context.Context, token string) (*model.Recipient, error)

	DeleteByCampaign(ctx context.Context, campaignID int) (int, error)
	DeleteForSentCampaigns(ctx context.Context) (int, error)
}

type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `id, campaign_id, subscriber_id, address, name, token, pending, claimed_until, created_at, unsubscribe_token`

func scanRecipient(row rowScanner) (model.Recipient, error) {
	var rc model.Recipient
	err := row.Scan(&rc.ID, &rc.CampaignID, &rc.SubscriberID, &rc.Address, &rc.Name, &rc.Token,
		&rc.Pending, &rc.ClaimedUntil, &rc.CreatedAt, &rc.UnsubscribeToken)
	return rc, err
}

func (r *RecipientRepository) ClaimPending(ctx context.Context, campaignID, limit int, now, leaseUntil time.Time) ([]model.Recipient, error) {
	query := `
		UPDATE recipients SET claimed_until = $3
		WHERE id IN (
			SELECT id FROM recipients
			WHERE campaign_id = $1
			  AND pending
			  AND (claimed_until IS NULL OR claimed_until < $4)
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + recipientColumns
	rows, err := r.DB.QueryContext(ctx, query, campaignID, limit, leaseUntil, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := []model.Recipient{}
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING carries no ordering guarantee.
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	return claimed, nil
}

func (r *RecipientRepository) MarkSent(ctx context.Context, ids []int) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE recipients SET pending=FALSE, claimed_until=NULL WHERE id = ANY($1) AND pending`,
		int64Array(ids))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *RecipientRepository) ReleaseClaims(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.DB.ExecContext(ctx,
		`UPDATE recipients SET claimed_until=NULL WHERE id = ANY($1) AND pending`,
		int64Array(ids))
	return err
}

func (r *RecipientRepository) CountPending(ctx context.Context, campaignID int) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipients WHERE campaign_id=$1 AND pending`, campaignID).Scan(&n)
	return n, err
}

func (r *RecipientRepository) CountSent(ctx context.Context, campaignID int) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipients WHERE campaign_id=$1 AND NOT pending`, campaignID).Scan(&n)
	return n, err
}

// GetByToken returns nil, nil when no row carries the token.
func (r *RecipientRepository) GetByToken(ctx context.Context, token string) (*model.Recipient, error) {
	rc, err := scanRecipient(r.DB.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE token=$1`, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rc, nil
}

func (r *RecipientRepository) DeleteByCampaign(ctx context.Context, campaignID int) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM recipients WHERE campaign_id=$1`, campaignID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteForSentCampaigns reclaims rows left behind when a tick stopped between
// marking a campaign sent and deleting its recipients.
func (r *RecipientRepository) DeleteForSentCampaigns(ctx context.Context) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM recipients r
		USING campaigns c
		WHERE r.campaign_id = c.id AND c.status = 'sent'
	`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func int64Array(ids []int) pq.Int64Array {
	out := make(pq.Int64Array, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return out
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
