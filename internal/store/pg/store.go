package pg

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/domain"
	"dispatch/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const deliveryColumns = `id, tenant_id, channel, destination, COALESCE(template_ref,''), COALESCE(contexto,''),
	status, COALESCE(message_id,''), payload, campos_adicionales, filter_metadata, created_at, updated_at`

func (s *Store) InsertDelivery(ctx context.Context, r domain.DeliveryRecord) error {
	payload, _ := json.Marshal(orEmpty(r.Payload))
	additional, _ := json.Marshal(orEmpty(r.Additional))
	filter, _ := json.Marshal(orEmpty(r.FilterMetadata))
	_, err := s.DB.Exec(ctx, `
		INSERT INTO deliveries (id, tenant_id, channel, destination, template_ref, contexto, status, message_id,
		                        payload, campos_adicionales, filter_metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
	`, r.ID, r.TenantID, string(r.Channel), r.Destination, nullIfEmpty(r.TemplateRef), nullIfEmpty(r.Context),
		string(r.Status), nullIfEmpty(r.TrackingID), payload, additional, filter, r.CreatedAt)
	return err
}

func (s *Store) GetDelivery(ctx context.Context, id string) (domain.DeliveryRecord, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id=$1`, id)
	return scanDelivery(row)
}

// TransitionStatus applies a guarded status update. It reports whether the
// row matched the guard and was updated.
func (s *Store) TransitionStatus(ctx context.Context, in store.StatusTransition) (bool, error) {
	additional, _ := json.Marshal(orEmpty(in.Additional))
	ct, err := s.DB.Exec(ctx, `
		UPDATE deliveries
		SET status = COALESCE($2, status),
		    message_id = COALESCE($3, message_id),
		    campos_adicionales = campos_adicionales || $4::jsonb,
		    updated_at = $5
		WHERE id = $1
		  AND ($6::text[] IS NULL OR status = ANY($6::text[]))
		  AND ($7::text[] IS NULL OR NOT (status = ANY($7::text[])))
		  AND (NOT $8::boolean OR status <> $9 OR campos_adicionales->>$10 = $11)
	`, in.ID, nullIfEmpty(string(in.To)), nullIfEmpty(in.TrackingID), additional, in.Now,
		store.Strings(in.From), store.Strings(in.NotFrom),
		in.ResendableOnly, string(domain.StatusFailed), domain.FailureOriginKey, domain.FailureOriginAttempt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// MergeAdditional merges fields into the record's additional fields without
// touching its status.
func (s *Store) MergeAdditional(ctx context.Context, id string, fields map[string]any, now time.Time) error {
	b, _ := json.Marshal(orEmpty(fields))
	_, err := s.DB.Exec(ctx, `
		UPDATE deliveries SET campos_adicionales = campos_adicionales || $2::jsonb, updated_at=$3 WHERE id=$1
	`, id, b, now)
	return err
}

func (s *Store) InsertEvent(ctx context.Context, ev domain.DeliveryEvent) (int64, error) {
	var resp []byte
	if ev.Response != nil {
		resp, _ = json.Marshal(ev.Response)
	}
	additional, _ := json.Marshal(orEmpty(ev.Additional))
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO delivery_events (delivery_id, destination, event, message_id, response, error_code, error_message,
		                             campos_adicionales, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, ev.DeliveryID, ev.Destination, ev.Event, nullIfEmpty(ev.TrackingID), resp, nullIfEmpty(ev.ErrorCode),
		nullIfEmpty(ev.ErrorMessage), additional, occurred).Scan(&id)
	return id, err
}

func (s *Store) ListEvents(ctx context.Context, deliveryID string) ([]domain.DeliveryEvent, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, delivery_id, destination, event, COALESCE(message_id,''), response, COALESCE(error_code,''),
		       COALESCE(error_message,''), campos_adicionales, occurred_at
		FROM delivery_events WHERE delivery_id=$1 ORDER BY id
	`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeliveryEvent
	for rows.Next() {
		var ev domain.DeliveryEvent
		var resp, additional []byte
		if err := rows.Scan(&ev.ID, &ev.DeliveryID, &ev.Destination, &ev.Event, &ev.TrackingID, &resp,
			&ev.ErrorCode, &ev.ErrorMessage, &additional, &ev.OccurredAt); err != nil {
			return nil, err
		}
		if len(resp) > 0 {
			_ = json.Unmarshal(resp, &ev.Response)
		}
		_ = json.Unmarshal(additional, &ev.Additional)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FindByTracking resolves a webhook's tracking key to a delivery record of the
// given channel. The newest match wins when a prefix hits several rows.
func (s *Store) FindByTracking(ctx context.Context, in store.TrackingLookup) (domain.DeliveryRecord, bool, error) {
	if in.Key != "" {
		row := s.DB.QueryRow(ctx, `
			SELECT `+deliveryColumns+` FROM deliveries
			WHERE channel=$1 AND (message_id=$2 OR message_id LIKE $3 ESCAPE '\')
			ORDER BY (message_id=$2) DESC, created_at DESC
			LIMIT 1
		`, string(in.Channel), in.Key, escapeLike(in.Key)+"%")
		rec, found, err := scanDelivery(row)
		if err != nil || found {
			return rec, found, err
		}
	}
	if in.TransportID == "" {
		return domain.DeliveryRecord{}, false, nil
	}
	row := s.DB.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries WHERE channel=$1 AND message_id=$2
		ORDER BY created_at DESC LIMIT 1
	`, string(in.Channel), in.TransportID)
	return scanDelivery(row)
}

func (s *Store) GetRateLimitConfig(ctx context.Context, ch domain.Channel) (domain.RateLimitConfig, bool, error) {
	cfg := domain.RateLimitConfig{Channel: ch}
	err := s.DB.QueryRow(ctx, `
		SELECT per_minute, per_hour, per_day, active FROM rate_limit_configs WHERE channel=$1
	`, string(ch)).Scan(&cfg.PerMinute, &cfg.PerHour, &cfg.PerDay, &cfg.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RateLimitConfig{}, false, nil
		}
		return domain.RateLimitConfig{}, false, err
	}
	return cfg, true, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func scanDelivery(row pgx.Row) (domain.DeliveryRecord, bool, error) {
	var r domain.DeliveryRecord
	var ch, status string
	var payload, additional, filter []byte
	err := row.Scan(&r.ID, &r.TenantID, &ch, &r.Destination, &r.TemplateRef, &r.Context, &status, &r.TrackingID,
		&payload, &additional, &filter, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeliveryRecord{}, false, nil
		}
		return domain.DeliveryRecord{}, false, err
	}
	r.Channel, r.Status = domain.Channel(ch), domain.Status(status)
	_ = json.Unmarshal(payload, &r.Payload)
	_ = json.Unmarshal(additional, &r.Additional)
	_ = json.Unmarshal(filter, &r.FilterMetadata)
	return r, true, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
