package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relves/vaultcore/internal/storage"
	"github.com/relves/vaultcore/pkg/types"
)

// --- AttestationStore ---

func (s *Store) UpsertAttestation(ctx context.Context, a *types.GuardianAttestation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attestations (vault_id, guardian_id, decision, submitted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(vault_id, guardian_id) DO UPDATE SET
		   decision = excluded.decision, submitted_at = excluded.submitted_at`,
		a.VaultID, a.GuardianID, string(a.Decision), fmtTime(a.SubmittedAt))
	return err
}

func (s *Store) GetAttestation(ctx context.Context, vaultID, guardianID string) (*types.GuardianAttestation, error) {
	var a types.GuardianAttestation
	var decision, submittedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT vault_id, guardian_id, decision, submitted_at
		 FROM attestations WHERE vault_id = ? AND guardian_id = ?`,
		vaultID, guardianID).Scan(&a.VaultID, &a.GuardianID, &decision, &submittedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Decision = types.AttestationDecision(decision)
	if a.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return nil, fmt.Errorf("parse submitted_at: %w", err)
	}
	return &a, nil
}

func (s *Store) ListAttestations(ctx context.Context, vaultID string) ([]*types.GuardianAttestation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vault_id, guardian_id, decision, submitted_at
		 FROM attestations WHERE vault_id = ? ORDER BY guardian_id`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.GuardianAttestation
	for rows.Next() {
		var a types.GuardianAttestation
		var decision, submittedAt string
		if err := rows.Scan(&a.VaultID, &a.GuardianID, &decision, &submittedAt); err != nil {
			return nil, err
		}
		a.Decision = types.AttestationDecision(decision)
		if a.SubmittedAt, err = parseTime(submittedAt); err != nil {
			return nil, fmt.Errorf("parse submitted_at: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- EvidenceStore ---

func (s *Store) CreateEvent(ctx context.Context, ev *types.DeathVerificationEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence_events (id, user_id, source, confidence, status,
		   reported_death_date, reported_location, certificate_number, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, string(ev.Source), ev.Confidence, string(ev.Status),
		fmtTimePtr(ev.ReportedDeathDate), ev.ReportedLocation, ev.CertificateNumber, fmtTime(ev.CreatedAt))
	return err
}

func (s *Store) ListEventsByUser(ctx context.Context, userID string) ([]*types.DeathVerificationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, source, confidence, status,
		   reported_death_date, reported_location, certificate_number, created_at
		 FROM evidence_events WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.DeathVerificationEvent
	for rows.Next() {
		var ev types.DeathVerificationEvent
		var source, status, createdAt string
		var deathDate sql.NullString
		if err := rows.Scan(&ev.ID, &ev.UserID, &source, &ev.Confidence, &status,
			&deathDate, &ev.ReportedLocation, &ev.CertificateNumber, &createdAt); err != nil {
			return nil, err
		}
		ev.Source = types.Source(source)
		ev.Status = types.EvidenceStatus(status)
		ev.ReportedDeathDate = parseTimePtr(deathDate)
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *Store) UpdateEventStatus(ctx context.Context, eventID string, status types.EvidenceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE evidence_events SET status = ? WHERE id = ?`, string(status), eventID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListUnresolvedUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT e.user_id FROM evidence_events e
		 LEFT JOIN user_verification uv ON uv.user_id = e.user_id
		 WHERE uv.confirmed IS NULL OR uv.confirmed = 0
		 ORDER BY e.user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) GetUserVerification(ctx context.Context, userID string) (*types.UserVerification, error) {
	var uv types.UserVerification
	var confirmedAt sql.NullString
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, confirmed, confirmed_at, escalated, manual_review, updated_at
		 FROM user_verification WHERE user_id = ?`,
		userID).Scan(&uv.UserID, &uv.Confirmed, &confirmedAt, &uv.Escalated, &uv.ManualReview, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	uv.ConfirmedAt = parseTimePtr(confirmedAt)
	if uv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &uv, nil
}

func (s *Store) SetUserVerification(ctx context.Context, uv *types.UserVerification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_verification (user_id, confirmed, confirmed_at, escalated, manual_review, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   confirmed = excluded.confirmed, confirmed_at = excluded.confirmed_at,
		   escalated = excluded.escalated, manual_review = excluded.manual_review,
		   updated_at = excluded.updated_at`,
		uv.UserID, uv.Confirmed, fmtTimePtr(uv.ConfirmedAt), uv.Escalated, uv.ManualReview, fmtTime(uv.UpdatedAt))
	return err
}

func (s *Store) GetSourceHealth(ctx context.Context, userID string, source types.Source) (*types.SourceHealth, error) {
	var sh types.SourceHealth
	var src, nextAttempt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, source, consecutive_failures, last_error, next_attempt_at, updated_at
		 FROM source_health WHERE user_id = ? AND source = ?`,
		userID, string(source)).Scan(&sh.UserID, &src, &sh.ConsecutiveFailures, &sh.LastError, &nextAttempt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sh.Source = types.Source(src)
	if sh.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return nil, fmt.Errorf("parse next_attempt_at: %w", err)
	}
	if sh.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &sh, nil
}

func (s *Store) SetSourceHealth(ctx context.Context, sh *types.SourceHealth) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_health (user_id, source, consecutive_failures, last_error, next_attempt_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, source) DO UPDATE SET
		   consecutive_failures = excluded.consecutive_failures, last_error = excluded.last_error,
		   next_attempt_at = excluded.next_attempt_at, updated_at = excluded.updated_at`,
		sh.UserID, string(sh.Source), sh.ConsecutiveFailures, sh.LastError, fmtTime(sh.NextAttemptAt), fmtTime(sh.UpdatedAt))
	return err
}

// --- DirectiveStore ---

func (s *Store) CreateDirective(ctx context.Context, d *types.ReleaseDirective) (*types.ReleaseDirective, bool, error) {
	beneficiaries, err := json.Marshal(d.Beneficiaries)
	if err != nil {
		return nil, false, fmt.Errorf("encode beneficiaries: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := scanDirective(tx.QueryRowContext(ctx,
		`SELECT id, vault_id, beneficiaries, created_at, attempts, last_attempt_at, last_error, delivered, delivered_at
		 FROM release_directives WHERE vault_id = ?`, d.VaultID))
	if err == nil {
		return existing, false, nil
	}
	if err != storage.ErrNotFound {
		return nil, false, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO release_directives (id, vault_id, beneficiaries, created_at, attempts, last_error, delivered)
		 VALUES (?, ?, ?, ?, 0, '', 0)`,
		d.ID, d.VaultID, string(beneficiaries), fmtTime(d.CreatedAt))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	cp := *d
	return &cp, true, nil
}

func (s *Store) GetDirectiveByVault(ctx context.Context, vaultID string) (*types.ReleaseDirective, error) {
	return scanDirective(s.db.QueryRowContext(ctx,
		`SELECT id, vault_id, beneficiaries, created_at, attempts, last_attempt_at, last_error, delivered, delivered_at
		 FROM release_directives WHERE vault_id = ?`, vaultID))
}

func (s *Store) ListPendingDirectives(ctx context.Context) ([]*types.ReleaseDirective, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vault_id, beneficiaries, created_at, attempts, last_attempt_at, last_error, delivered, delivered_at
		 FROM release_directives WHERE delivered = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ReleaseDirective
	for rows.Next() {
		d, err := scanDirective(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) RecordDirectiveAttempt(ctx context.Context, id string, attemptErr string) error {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE release_directives SET attempts = attempts + 1, last_attempt_at = ?, last_error = ?
		 WHERE id = ?`, now, attemptErr, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) MarkDirectiveDelivered(ctx context.Context, id string) error {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE release_directives SET delivered = 1, delivered_at = ?, last_error = ''
		 WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanDirective(row rowScanner) (*types.ReleaseDirective, error) {
	var d types.ReleaseDirective
	var beneficiaries, createdAt string
	var lastAttempt, deliveredAt sql.NullString
	err := row.Scan(&d.ID, &d.VaultID, &beneficiaries, &createdAt,
		&d.Attempts, &lastAttempt, &d.LastError, &d.Delivered, &deliveredAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(beneficiaries), &d.Beneficiaries); err != nil {
		return nil, fmt.Errorf("decode beneficiaries: %w", err)
	}
	d.LastAttemptAt = parseTimePtr(lastAttempt)
	d.DeliveredAt = parseTimePtr(deliveredAt)
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &d, nil
}

// --- OpsStore ---

func (s *Store) SetLastError(ctx context.Context, kind, aggregateID, message string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aggregate_errors (kind, aggregate_id, message, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, aggregate_id) DO UPDATE SET
		   message = excluded.message, updated_at = excluded.updated_at`,
		kind, aggregateID, message, now)
	return err
}

func (s *Store) GetLastError(ctx context.Context, kind, aggregateID string) (string, error) {
	var msg string
	err := s.db.QueryRowContext(ctx,
		`SELECT message FROM aggregate_errors WHERE kind = ? AND aggregate_id = ?`,
		kind, aggregateID).Scan(&msg)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return msg, nil
}
