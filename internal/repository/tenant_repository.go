package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/unclebandit/mailcast-backend/internal/model"
)

type TenantRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Tenant, error)
}

type TenantRepository struct {
	DB *sql.DB
}

// GetByID returns nil, nil for a tenant that does not exist.
func (r *TenantRepository) GetByID(ctx context.Context, id int) (*model.Tenant, error) {
	query := `SELECT id, name, sender_name, sender_email, reply_domain, signature FROM tenants WHERE id=$1`
	var t model.Tenant
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Name, &t.SenderName, &t.SenderEmail, &t.ReplyDomain, &t.Signature)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

var _ TenantRepositoryInterface = (*TenantRepository)(nil)
