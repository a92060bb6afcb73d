package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_server/server/chat/domain"
)

type CallRepository struct {
	pool *pgxpool.Pool
}

func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

func (r *CallRepository) CreateCall(ctx context.Context, call domain.Call) (domain.Call, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO calls(caller_id, receiver_id, call_type, status, room_token)
		VALUES($1, $2, $3, $4, $5)
		RETURNING call_id, started_at
	`, call.CallerID, call.ReceiverID, call.Type, call.Status, call.RoomToken).Scan(&call.ID, &call.StartedAt)
	if err != nil {
		return domain.Call{}, domain.Persistence("create call", err)
	}
	return call, nil
}

func (r *CallRepository) GetCall(ctx context.Context, callID string) (domain.Call, error) {
	var call domain.Call
	err := r.pool.QueryRow(ctx, `
		SELECT call_id AS id, caller_id, receiver_id, call_type, status, room_token,
		       COALESCE(offer_payload, ''), COALESCE(answer_payload, ''), candidates,
		       started_at, answered_at, ended_at, duration_seconds
		FROM calls
		WHERE call_id=$1
	`, callID).Scan(&call.ID, &call.CallerID, &call.ReceiverID, &call.Type, &call.Status, &call.RoomToken,
		&call.OfferPayload, &call.AnswerPayload, &call.Candidates,
		&call.StartedAt, &call.AnsweredAt, &call.EndedAt, &call.DurationSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Call{}, domain.NotFound("call not found")
		}
		return domain.Call{}, domain.Persistence("get call", err)
	}
	return call, nil
}

// TransitionStatus moves the call to next only if it is still in one of the
// expected source states, so racing transitions cannot double-apply.
func (r *CallRepository) TransitionStatus(ctx context.Context, callID string, from []domain.CallStatus, next domain.CallStatus) (domain.Call, error) {
	fromValues := make([]string, 0, len(from))
	for _, s := range from {
		fromValues = append(fromValues, string(s))
	}
	var call domain.Call
	err := r.pool.QueryRow(ctx, `
		UPDATE calls
		SET status=$2,
		    answered_at = CASE WHEN $2='answered' THEN NOW() ELSE answered_at END,
		    ended_at    = CASE WHEN $2 IN ('ended','declined','missed') THEN NOW() ELSE ended_at END,
		    duration_seconds = CASE
		        WHEN $2='ended' AND answered_at IS NOT NULL THEN EXTRACT(EPOCH FROM (NOW() - answered_at))::BIGINT
		        ELSE duration_seconds
		    END
		WHERE call_id=$1 AND status = ANY($3)
		RETURNING call_id, caller_id, receiver_id, call_type, status, room_token,
		          started_at, answered_at, ended_at, duration_seconds
	`, callID, next, fromValues).Scan(&call.ID, &call.CallerID, &call.ReceiverID, &call.Type, &call.Status,
		&call.RoomToken, &call.StartedAt, &call.AnsweredAt, &call.EndedAt, &call.DurationSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Call{}, domain.NotFound("call not in an eligible state")
		}
		return domain.Call{}, domain.Persistence("transition call", err)
	}
	return call, nil
}

func (r *CallRepository) SetOffer(ctx context.Context, callID, payload string) error {
	_, err := r.pool.Exec(ctx, `UPDATE calls SET offer_payload=$2 WHERE call_id=$1`, callID, payload)
	if err != nil {
		return domain.Persistence("set call offer", err)
	}
	return nil
}

func (r *CallRepository) SetAnswer(ctx context.Context, callID, payload string) error {
	_, err := r.pool.Exec(ctx, `UPDATE calls SET answer_payload=$2 WHERE call_id=$1`, callID, payload)
	if err != nil {
		return domain.Persistence("set call answer", err)
	}
	return nil
}

func (r *CallRepository) AppendCandidate(ctx context.Context, callID, candidate string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE calls SET candidates = array_append(candidates, $2) WHERE call_id=$1
	`, callID, candidate)
	if err != nil {
		return domain.Persistence("append call candidate", err)
	}
	return nil
}

func (r *CallRepository) ListForUser(ctx context.Context, userID string, limit int) ([]domain.Call, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT call_id AS id, caller_id, receiver_id, call_type, status, room_token,
		       started_at, answered_at, ended_at, duration_seconds
		FROM calls
		WHERE caller_id=$1 OR receiver_id=$1
		ORDER BY started_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, domain.Persistence("list calls", err)
	}
	defer rows.Close()

	items := make([]domain.Call, 0)
	for rows.Next() {
		var call domain.Call
		if err := rows.Scan(&call.ID, &call.CallerID, &call.ReceiverID, &call.Type, &call.Status, &call.RoomToken,
			&call.StartedAt, &call.AnsweredAt, &call.EndedAt, &call.DurationSeconds); err != nil {
			return nil, domain.Persistence("scan call", err)
		}
		items = append(items, call)
	}
	return items, rows.Err()
}
