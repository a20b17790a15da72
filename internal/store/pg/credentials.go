package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"dispatch/internal/domain"
)

const credentialColumns = `id, tenant_id, channel, provider, secret, active, is_default, verification_state,
	COALESCE(verification_message,''), verified_at, created_at, updated_at`

func (s *Store) FindDefaultCredential(ctx context.Context, tenantID string, ch domain.Channel) (domain.Credential, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE tenant_id=$1 AND channel=$2 AND active AND is_default
		LIMIT 1
	`, tenantID, string(ch))
	return scanCredential(row)
}

func (s *Store) GetCredential(ctx context.Context, tenantID string, id int64) (domain.Credential, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id=$1 AND tenant_id=$2`, id, tenantID)
	return scanCredential(row)
}

func (s *Store) FindCredentialByProvider(ctx context.Context, tenantID string, ch domain.Channel, provider string) (domain.Credential, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE tenant_id=$1 AND channel=$2 AND provider=$3
		ORDER BY id LIMIT 1
	`, tenantID, string(ch), provider)
	return scanCredential(row)
}

func (s *Store) ListDefaultCredentials(ctx context.Context, tenantID string) ([]domain.Credential, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE tenant_id=$1 AND is_default AND active
		ORDER BY channel
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		c, _, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListActiveCredentials returns every active credential of provider across
// tenants, oldest first.
func (s *Store) ListActiveCredentials(ctx context.Context, provider string) ([]domain.Credential, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE provider=$1 AND active
		ORDER BY id
	`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		c, _, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) InsertCredential(ctx context.Context, c domain.Credential) (int64, error) {
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO credentials (tenant_id, channel, provider, secret, active, is_default, verification_state,
		                         verification_message, verified_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id
	`, c.TenantID, string(c.Channel), c.Provider, c.Secret, c.Active, c.IsDefault, c.VerificationState,
		nullIfEmpty(c.VerificationMessage), c.VerifiedAt, c.CreatedAt, c.UpdatedAt).Scan(&id)
	return id, err
}

func (s *Store) UpdateCredentialSecret(ctx context.Context, id int64, secret []byte, active bool, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE credentials SET secret=$2, active=$3, updated_at=$4 WHERE id=$1
	`, id, secret, active, now)
	return err
}

// SetDefaultCredential swaps the default for (tenantID, ch) in one
// transaction. The partial unique index guarantees at most one default.
func (s *Store) SetDefaultCredential(ctx context.Context, tenantID string, ch domain.Channel, id int64, now time.Time) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE credentials SET is_default=false, updated_at=$3
		WHERE tenant_id=$1 AND channel=$2 AND is_default
	`, tenantID, string(ch), now); err != nil {
		return err
	}
	ct, err := tx.Exec(ctx, `
		UPDATE credentials SET is_default=true, updated_at=$4
		WHERE id=$1 AND tenant_id=$2 AND channel=$3
	`, id, tenantID, string(ch), now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrCredentialNotFound
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateCredentialVerification(ctx context.Context, id int64, state, message string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE credentials SET verification_state=$2, verification_message=$3, verified_at=$4, updated_at=$4
		WHERE id=$1
	`, id, state, nullIfEmpty(message), now)
	return err
}

func scanCredential(row pgx.Row) (domain.Credential, bool, error) {
	var c domain.Credential
	var ch string
	err := row.Scan(&c.ID, &c.TenantID, &ch, &c.Provider, &c.Secret, &c.Active, &c.IsDefault, &c.VerificationState,
		&c.VerificationMessage, &c.VerifiedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Credential{}, false, nil
		}
		return domain.Credential{}, false, err
	}
	c.Channel = domain.Channel(ch)
	return c, true, nil
}
