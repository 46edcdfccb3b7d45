package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/unclebandit/mailcast-backend/internal/model"
)

// SubscriberRepositoryInterface defines methods used by service
type SubscriberRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Subscriber, error)
	// GetByUnsubscribeToken returns nil, nil when no subscriber carries the token.
	GetByUnsubscribeToken(ctx context.Context, token string) (*model.Subscriber, error)
	ListAudience(ctx context.Context, tenantID int, filter model.AudienceFilter) ([]model.Subscriber, error)
	Unsubscribe(ctx context.Context, id int) error
}

// SubscriberRepository is the concrete implementation
type SubscriberRepository struct {
	DB *sql.DB
}

const subscriberColumns = `id, tenant_id, email, name, status, tags, created_at, unsubscribe_token`

func scanSubscriber(row rowScanner) (model.Subscriber, error) {
	var s model.Subscriber
	var tags pq.StringArray
	err := row.Scan(&s.ID, &s.TenantID, &s.Email, &s.Name, &s.Status, &tags, &s.CreatedAt, &s.UnsubscribeToken)
	s.Tags = []string(tags)
	return s, err
}

func (r *SubscriberRepository) getOne(ctx context.Context, where string, arg any) (*model.Subscriber, error) {
	s, err := scanSubscriber(r.DB.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // not found
		}
		return nil, err
	}
	return &s, nil
}

// GetByID fetches a subscriber by ID
func (r *SubscriberRepository) GetByID(ctx context.Context, id int) (*model.Subscriber, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *SubscriberRepository) GetByUnsubscribeToken(ctx context.Context, token string) (*model.Subscriber, error) {
	return r.getOne(ctx, `unsubscribe_token = $1`, token)
}

// ListAudience resolves an audience selection to the tenant's active subscribers.
func (r *SubscriberRepository) ListAudience(ctx context.Context, tenantID int, filter model.AudienceFilter) ([]model.Subscriber, error) {
	query := `
        SELECT ` + subscriberColumns + `
        FROM subscribers
        WHERE tenant_id = $1
          AND status = 'active'
          AND ($2::text = '' OR $2::text = ANY(tags))
          AND (cardinality($3::int[]) = 0 OR id = ANY($3::int[]))
        ORDER BY id
    `
	rows, err := r.DB.QueryContext(ctx, query, tenantID, filter.Tag, int64Array(filter.SubscriberIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subscribers := []model.Subscriber{}
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subscribers = append(subscribers, s)
	}
	return subscribers, rows.Err()
}

func (r *SubscriberRepository) Unsubscribe(ctx context.Context, id int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE subscribers SET status='unsubscribed' WHERE id=$1`, id)
	return err
}

var _ SubscriberRepositoryInterface = (*SubscriberRepository)(nil)
