package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relves/vaultcore/internal/storage"
	"github.com/relves/vaultcore/pkg/types"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is the durable storage.Backend, a single SQLite database under the
// configured data directory.
type Store struct {
	db     *sql.DB
	dbPath string
}

var _ storage.Backend = (*Store)(nil)

// Open opens (or creates) the vaultcore database under basePath.
func Open(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "vaultcore.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+ // Balance safety/speed (FULL is slower, OFF risks corruption)
		"&_pragma=wal_autocheckpoint(1000)") // Checkpoint every 1000 pages to prevent WAL accumulation
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DBPath() string {
	return s.dbPath
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// --- VaultStore ---

func (s *Store) CreateVault(ctx context.Context, v *types.Vault) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vaults (id, owner_id, check_in_interval_days, grace_period_days,
		   last_check_in_at, next_check_in_due, status, fragment_scheme,
		   triggered_at, trigger_cause, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.OwnerID, v.CheckInIntervalDays, v.GracePeriodDays,
		fmtTime(v.LastCheckInAt), fmtTime(v.NextCheckInDue), string(v.Status), v.FragmentScheme,
		fmtTimePtr(v.TriggeredAt), string(v.TriggerCause), fmtTime(v.CreatedAt), fmtTime(v.UpdatedAt))
	return err
}

func (s *Store) GetVault(ctx context.Context, id string) (*types.Vault, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, check_in_interval_days, grace_period_days,
		   last_check_in_at, next_check_in_due, status, fragment_scheme,
		   triggered_at, trigger_cause, created_at, updated_at
		 FROM vaults WHERE id = ?`, id)
	return scanVault(row)
}

func (s *Store) UpdateVault(ctx context.Context, v *types.Vault) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vaults SET owner_id = ?, check_in_interval_days = ?, grace_period_days = ?,
		   last_check_in_at = ?, next_check_in_due = ?, status = ?, fragment_scheme = ?,
		   triggered_at = ?, trigger_cause = ?, updated_at = ?
		 WHERE id = ?`,
		v.OwnerID, v.CheckInIntervalDays, v.GracePeriodDays,
		fmtTime(v.LastCheckInAt), fmtTime(v.NextCheckInDue), string(v.Status), v.FragmentScheme,
		fmtTimePtr(v.TriggeredAt), string(v.TriggerCause), fmtTime(v.UpdatedAt), v.ID)
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

func (s *Store) ListVaultsByOwner(ctx context.Context, ownerID string) ([]*types.Vault, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, check_in_interval_days, grace_period_days,
		   last_check_in_at, next_check_in_due, status, fragment_scheme,
		   triggered_at, trigger_cause, created_at, updated_at
		 FROM vaults WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVaults(rows)
}

func (s *Store) ListLiveVaults(ctx context.Context) ([]*types.Vault, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, check_in_interval_days, grace_period_days,
		   last_check_in_at, next_check_in_due, status, fragment_scheme,
		   triggered_at, trigger_cause, created_at, updated_at
		 FROM vaults WHERE status IN (?, ?, ?) ORDER BY id`,
		string(types.StatusActive), string(types.StatusWarning), string(types.StatusCritical))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVaults(rows)
}

func (s *Store) ListTriggeredVaultsWithoutDirective(ctx context.Context) ([]*types.Vault, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.id, v.owner_id, v.check_in_interval_days, v.grace_period_days,
		   v.last_check_in_at, v.next_check_in_due, v.status, v.fragment_scheme,
		   v.triggered_at, v.trigger_cause, v.created_at, v.updated_at
		 FROM vaults v
		 WHERE v.status = ?
		   AND NOT EXISTS (SELECT 1 FROM release_directives d WHERE d.vault_id = v.id)
		 ORDER BY v.id`,
		string(types.StatusTriggered))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVaults(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVault(row rowScanner) (*types.Vault, error) {
	var v types.Vault
	var lastCheckIn, nextDue, createdAt, updatedAt, status, cause string
	var triggeredAt sql.NullString

	err := row.Scan(&v.ID, &v.OwnerID, &v.CheckInIntervalDays, &v.GracePeriodDays,
		&lastCheckIn, &nextDue, &status, &v.FragmentScheme,
		&triggeredAt, &cause, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	v.Status = types.VaultStatus(status)
	v.TriggerCause = types.TriggerCause(cause)
	v.TriggeredAt = parseTimePtr(triggeredAt)
	if v.LastCheckInAt, err = parseTime(lastCheckIn); err != nil {
		return nil, fmt.Errorf("parse last_check_in_at: %w", err)
	}
	if v.NextCheckInDue, err = parseTime(nextDue); err != nil {
		return nil, fmt.Errorf("parse next_check_in_due: %w", err)
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &v, nil
}

func collectVaults(rows *sql.Rows) ([]*types.Vault, error) {
	var out []*types.Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- PartyStore ---

func (s *Store) CreateParty(ctx context.Context, p *types.Party) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO parties (id, vault_id, role, contact, accepted, share_basis_points, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.VaultID, string(p.Role), p.Contact, p.Accepted, p.ShareBasisPoints, fmtTime(p.CreatedAt))
	return err
}

func (s *Store) GetParty(ctx context.Context, id string) (*types.Party, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, vault_id, role, contact, accepted, share_basis_points, created_at
		 FROM parties WHERE id = ?`, id)
	return scanParty(row)
}

func (s *Store) UpdateParty(ctx context.Context, p *types.Party) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE parties SET role = ?, contact = ?, accepted = ?, share_basis_points = ?
		 WHERE id = ?`,
		string(p.Role), p.Contact, p.Accepted, p.ShareBasisPoints, p.ID)
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

func (s *Store) ListParties(ctx context.Context, vaultID string) ([]*types.Party, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vault_id, role, contact, accepted, share_basis_points, created_at
		 FROM parties WHERE vault_id = ? ORDER BY id`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Party
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanParty(row rowScanner) (*types.Party, error) {
	var p types.Party
	var role, createdAt string
	err := row.Scan(&p.ID, &p.VaultID, &role, &p.Contact, &p.Accepted, &p.ShareBasisPoints, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Role = types.Role(role)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &p, nil
}

// --- FragmentStore ---

// PutFragments writes the full fragment set in one transaction. It fails if
// any fragment already exists for the vault; the set is created once.
func (s *Store) PutFragments(ctx context.Context, vaultID string, frags []*types.SecretFragment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fragments WHERE vault_id = ?`, vaultID).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("fragments for vault %s already exist", vaultID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fragments (vault_id, guardian_id, frag_index, payload, salt, tag)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range frags {
		if _, err := stmt.ExecContext(ctx, vaultID, f.GuardianID, int(f.Index), f.Payload, f.Salt, f.Tag); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetFragments(ctx context.Context, vaultID string) ([]*types.SecretFragment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vault_id, guardian_id, frag_index, payload, salt, tag
		 FROM fragments WHERE vault_id = ? ORDER BY frag_index`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SecretFragment
	for rows.Next() {
		var f types.SecretFragment
		var idx int
		if err := rows.Scan(&f.VaultID, &f.GuardianID, &idx, &f.Payload, &f.Salt, &f.Tag); err != nil {
			return nil, err
		}
		f.Index = byte(idx)
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out, nil
}
