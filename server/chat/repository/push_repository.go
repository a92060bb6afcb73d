package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"chat_server/server/chat/domain"
)

type PushRepository struct {
	pool *pgxpool.Pool
}

func NewPushRepository(pool *pgxpool.Pool) *PushRepository {
	return &PushRepository{pool: pool}
}

func (r *PushRepository) CreateRegistration(ctx context.Context, reg domain.PushRegistration) (domain.PushRegistration, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO push_registrations(user_id, provider, token)
		VALUES($1, $2, $3)
		ON CONFLICT (user_id, token) DO UPDATE SET provider=EXCLUDED.provider
		RETURNING registration_id, created_at
	`, reg.UserID, reg.Provider, reg.Token).Scan(&reg.ID, &reg.CreatedAt)
	if err != nil {
		return domain.PushRegistration{}, domain.Persistence("create push registration", err)
	}
	return reg, nil
}

func (r *PushRepository) ListForUser(ctx context.Context, userID string) ([]domain.PushRegistration, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT registration_id AS id, user_id, provider, token, created_at
		FROM push_registrations
		WHERE user_id=$1
	`, userID)
	if err != nil {
		return nil, domain.Persistence("list push registrations", err)
	}
	defer rows.Close()

	items := make([]domain.PushRegistration, 0)
	for rows.Next() {
		var item domain.PushRegistration
		if err := rows.Scan(&item.ID, &item.UserID, &item.Provider, &item.Token, &item.CreatedAt); err != nil {
			return nil, domain.Persistence("scan push registration", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *PushRepository) DeleteRegistration(ctx context.Context, registrationID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM push_registrations WHERE registration_id=$1`, registrationID)
	if err != nil {
		return domain.Persistence("delete push registration", err)
	}
	return nil
}

func (r *PushRepository) DeleteByToken(ctx context.Context, userID, token string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM push_registrations WHERE user_id=$1 AND token=$2`, userID, token)
	if err != nil {
		return domain.Persistence("delete push registration", err)
	}
	return nil
}
