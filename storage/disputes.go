package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trondeal/native/dispute"
)

// ErrDisputeNotFound aliases the engine sentinel so callers can match on
// either package.
var ErrDisputeNotFound = dispute.ErrNotFound

// CreateDispute inserts the dispute record. The UNIQUE constraint on
// deal_id enforces one dispute per deal.
func (s *Store) CreateDispute(ctx context.Context, d *dispute.Dispute) error {
	media, err := json.Marshal(d.MediaIDs)
	if err != nil {
		return err
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	const stmt = `INSERT INTO disputes(deal_id, opener_id, reason, media, prior_status, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, d.DealID, d.OpenerID, d.Reason, string(media), string(d.PriorStatus), string(dispute.StatusOpen), created)
	if err != nil {
		return fmt.Errorf("storage: create dispute for deal %s: %w", d.DealID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	d.ID = id
	d.Status = dispute.StatusOpen
	return nil
}

// DisputeByDeal fetches the dispute record for a deal.
func (s *Store) DisputeByDeal(ctx context.Context, dealID string) (*dispute.Dispute, error) {
	const query = `SELECT id, deal_id, opener_id, reason, media, prior_status, status, decision, decision_reason, created_at, resolved_at
        FROM disputes WHERE deal_id = ?`
	row := s.db.QueryRowContext(ctx, query, dealID)
	return scanDispute(row)
}

// ListDisputes returns disputes filtered by status ("" for all), newest
// first.
func (s *Store) ListDisputes(ctx context.Context, status dispute.Status, limit int) ([]*dispute.Dispute, error) {
	query := `SELECT id, deal_id, opener_id, reason, media, prior_status, status, decision, decision_reason, created_at, resolved_at FROM disputes`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*dispute.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordDecision commits the arbiter ruling to the dispute record. The deal
// itself stays in dispute until the payout clears.
func (s *Store) RecordDecision(ctx context.Context, dealID string, decision dispute.Decision, reason string) error {
	const stmt = `UPDATE disputes SET decision = ?, decision_reason = ? WHERE deal_id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(decision), reason, dealID, string(dispute.StatusOpen))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// MarkDisputeResolved finalises the record once the payout has settled.
func (s *Store) MarkDisputeResolved(ctx context.Context, dealID string) error {
	const stmt = `UPDATE disputes SET status = ?, resolved_at = ? WHERE deal_id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(dispute.StatusResolved), time.Now().UTC(), dealID, string(dispute.StatusOpen))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// CancelDispute aborts an open dispute, recording the operator reason.
func (s *Store) CancelDispute(ctx context.Context, dealID, reason string) error {
	const stmt = `UPDATE disputes SET status = ?, decision_reason = ?, resolved_at = ? WHERE deal_id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(dispute.StatusCancelled), reason, time.Now().UTC(), dealID, string(dispute.StatusOpen))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func scanDispute(row rowScanner) (*dispute.Dispute, error) {
	var (
		d                        dispute.Dispute
		media                    sql.NullString
		decision, decisionReason sql.NullString
		resolvedAt               sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.DealID, &d.OpenerID, &d.Reason, &media, &d.PriorStatus, &d.Status, &decision, &decisionReason, &d.CreatedAt, &resolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDisputeNotFound
		}
		return nil, err
	}
	if media.Valid && media.String != "" {
		if err := json.Unmarshal([]byte(media.String), &d.MediaIDs); err != nil {
			return nil, fmt.Errorf("storage: decode dispute media for deal %s: %w", d.DealID, err)
		}
	}
	d.Decision = dispute.Decision(decision.String)
	d.DecisionReason = decisionReason.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

// --- dispute stats / autoban ---

// IsBlacklisted reports whether the user has been autobanned.
func (s *Store) IsBlacklisted(ctx context.Context, userID int64) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT blacklisted FROM dispute_stats WHERE user_id = ?`, userID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return flag == 1, nil
}

// DisputeStats returns the user's dispute scorecard, zero-valued when the
// user has never disputed.
func (s *Store) DisputeStats(ctx context.Context, userID int64) (dispute.Stats, error) {
	const query = `SELECT user_id, wins, losses, loss_streak, blacklisted, updated_at FROM dispute_stats WHERE user_id = ?`
	var st dispute.Stats
	var flag int
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&st.UserID, &st.Wins, &st.Losses, &st.LossStreak, &flag, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return dispute.Stats{UserID: userID}, nil
	}
	if err != nil {
		return dispute.Stats{}, err
	}
	st.Blacklisted = flag == 1
	return st, nil
}

// RecordDisputeLoss increments the loser's streak and flips the blacklist
// flag at the autoban threshold. The returned stats reflect the update so
// the loss notice can quote the current streak.
func (s *Store) RecordDisputeLoss(ctx context.Context, userID int64) (dispute.Stats, error) {
	now := time.Now().UTC()
	const stmt = `INSERT INTO dispute_stats(user_id, wins, losses, loss_streak, blacklisted, updated_at)
        VALUES (?, 0, 1, 1, 0, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            losses = losses + 1,
            loss_streak = loss_streak + 1,
            updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, stmt, userID, now); err != nil {
		return dispute.Stats{}, err
	}
	const ban = `UPDATE dispute_stats SET blacklisted = 1 WHERE user_id = ? AND loss_streak >= ?`
	if _, err := s.db.ExecContext(ctx, ban, userID, dispute.AutobanThreshold); err != nil {
		return dispute.Stats{}, err
	}
	return s.DisputeStats(ctx, userID)
}

// RecordDisputeWin resets the winner's loss streak.
func (s *Store) RecordDisputeWin(ctx context.Context, userID int64) (dispute.Stats, error) {
	now := time.Now().UTC()
	const stmt = `INSERT INTO dispute_stats(user_id, wins, losses, loss_streak, blacklisted, updated_at)
        VALUES (?, 1, 0, 0, 0, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            wins = wins + 1,
            loss_streak = 0,
            updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, stmt, userID, now); err != nil {
		return dispute.Stats{}, err
	}
	return s.DisputeStats(ctx, userID)
}
