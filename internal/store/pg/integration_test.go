//go:build integration

package pg

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/domain"
	"dispatch/internal/providers/mail"
	"dispatch/internal/providers/twilio"
	"dispatch/internal/reconcile"
	"dispatch/internal/store"
)

func TestDeliveryLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t))
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := seedDelivery(t, s, "env_1", domain.ChannelWhatsApp, now)
	got, found, err := s.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, "billing", got.Additional["aplicacion"])

	ok, err := s.TransitionStatus(ctx, store.StatusTransition{
		ID: rec.ID, To: domain.StatusSent, TrackingID: "SM123",
		Additional: map[string]any{"driver_usado": "twilio"},
		From:       domain.SendSuccessFrom, Now: now,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// A second success is a no-op once the record left the queue.
	ok, err = s.TransitionStatus(ctx, store.StatusTransition{ID: rec.ID, To: domain.StatusSent, From: []domain.Status{domain.StatusQueued}, Now: now})
	require.NoError(t, err)
	assert.False(t, ok)

	got, _, err = s.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, got.Status)
	assert.Equal(t, "SM123", got.TrackingID)
	assert.Equal(t, "billing", got.Additional["aplicacion"])
	assert.Equal(t, "twilio", got.Additional["driver_usado"])

	_, found, err = s.GetDelivery(ctx, "env_missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResendableOnlyGuard(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t))
	now := time.Now().UTC().Truncate(time.Millisecond)

	resend := func(id string) bool {
		t.Helper()
		ok, err := s.TransitionStatus(ctx, store.StatusTransition{
			ID: id, To: domain.StatusSent, From: domain.SendSuccessFrom, ResendableOnly: true, Now: now,
		})
		require.NoError(t, err)
		return ok
	}
	fail := func(id, origin string) {
		t.Helper()
		_, err := s.TransitionStatus(ctx, store.StatusTransition{
			ID: id, To: domain.StatusFailed, Additional: map[string]any{domain.FailureOriginKey: origin}, Now: now,
		})
		require.NoError(t, err)
	}

	seedDelivery(t, s, "env_attempt", domain.ChannelEmail, now)
	fail("env_attempt", domain.FailureOriginAttempt)
	assert.True(t, resend("env_attempt"))

	seedDelivery(t, s, "env_bounced", domain.ChannelEmail, now)
	fail("env_bounced", domain.FailureOriginProvider)
	assert.False(t, resend("env_bounced"))

	seedDelivery(t, s, "env_queued", domain.ChannelEmail, now)
	assert.True(t, resend("env_queued"))
}

func TestEventsInInsertOrder(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t))
	rec := seedDelivery(t, s, "env_1", domain.ChannelEmail, time.Now().UTC())

	for _, ev := range []string{"en_cola", "enviado", "delivered"} {
		_, err := s.InsertEvent(ctx, domain.DeliveryEvent{
			DeliveryID: rec.ID, Destination: rec.Destination, Event: ev,
			Response: map[string]any{"event": ev},
		})
		require.NoError(t, err)
	}
	events, err := s.ListEvents(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "en_cola", events[0].Event)
	assert.Equal(t, "delivered", events[2].Event)
	assert.Equal(t, map[string]any{"event": "delivered"}, events[2].Response)
}

func TestFindByTracking(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t))
	now := time.Now().UTC()

	rec := seedDelivery(t, s, "env_1", domain.ChannelEmail, now)
	_, err := s.TransitionStatus(ctx, store.StatusTransition{ID: rec.ID, TrackingID: "abc_1.filter0001.mock.0", Now: now})
	require.NoError(t, err)

	got, found, err := s.FindByTracking(ctx, store.TrackingLookup{Channel: domain.ChannelEmail, Key: "abc_1"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.ID, got.ID)

	// "_" is not a wildcard.
	_, found, err = s.FindByTracking(ctx, store.TrackingLookup{Channel: domain.ChannelEmail, Key: "abcx1"})
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = s.FindByTracking(ctx, store.TrackingLookup{Channel: domain.ChannelWhatsApp, Key: "abc_1"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRateLimitConfigSeeded(t *testing.T) {
	s := New(setupTestDB(t))
	cfg, found, err := s.GetRateLimitConfig(context.Background(), domain.ChannelWhatsApp)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cfg.Active)
	assert.Equal(t, 10, cfg.PerMinute)
}

func TestSetDefaultCredentialSwaps(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t))
	now := time.Now().UTC()

	insert := func(provider string, def bool) int64 {
		id, err := s.InsertCredential(ctx, domain.Credential{
			TenantID: "t1", Channel: domain.ChannelEmail, Provider: provider, Secret: []byte("x"),
			Active: true, IsDefault: def, VerificationState: domain.VerificationPending, CreatedAt: now, UpdatedAt: now,
		})
		require.NoError(t, err)
		return id
	}
	first := insert("smtp", true)
	second := insert("sendgrid", false)

	require.NoError(t, s.SetDefaultCredential(ctx, "t1", domain.ChannelEmail, second, now))
	def, found, err := s.FindDefaultCredential(ctx, "t1", domain.ChannelEmail)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second, def.ID)

	c, _, err := s.GetCredential(ctx, "t1", first)
	require.NoError(t, err)
	assert.False(t, c.IsDefault)

	err = s.SetDefaultCredential(ctx, "t2", domain.ChannelEmail, first, now)
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestReconcileAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t))
	now := time.Now().UTC()
	r := &reconcile.Reconciler{Store: s}

	wa := seedDelivery(t, s, "env_wa", domain.ChannelWhatsApp, now)
	_, err := s.TransitionStatus(ctx, store.StatusTransition{ID: wa.ID, To: domain.StatusFailed, TrackingID: "SM9", Now: now})
	require.NoError(t, err)

	out := r.HandleWhatsApp(ctx, twilio.StatusCallback{MessageSid: "SM9", Status: "delivered"})
	assert.Equal(t, reconcile.Recorded, out)
	got, _, err := s.GetDelivery(ctx, wa.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)

	em := seedDelivery(t, s, "env_em", domain.ChannelEmail, now)
	_, err = s.TransitionStatus(ctx, store.StatusTransition{ID: em.ID, To: domain.StatusSent, TrackingID: "msg1", Now: now})
	require.NoError(t, err)

	sum := r.HandleEmail(ctx, []mail.Event{
		{Event: "delivered", SGMessageID: "msg1.filter0001.x.0", Raw: map[string]any{"event": "delivered"}},
		{Event: "delivered", SGMessageID: "nobody.filter.0"},
	})
	assert.Equal(t, 1, sum.Applied)
	assert.Equal(t, 1, sum.Orphans)
	got, _, err = s.GetDelivery(ctx, em.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)
	assert.Equal(t, "msg1.filter0001.x.0", got.TrackingID)

	events, err := s.ListEvents(ctx, em.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "delivered", events[0].Event)
}

func seedDelivery(t *testing.T, s *Store, id string, ch domain.Channel, now time.Time) domain.DeliveryRecord {
	t.Helper()
	rec := domain.DeliveryRecord{
		ID: id, TenantID: "t1", Channel: ch, Destination: "ana@example.com", Status: domain.StatusQueued,
		Payload:    map[string]any{"k": "v"},
		Additional: map[string]any{"aplicacion": "billing"},
		CreatedAt:  now,
	}
	require.NoError(t, s.InsertDelivery(context.Background(), rec))
	return rec
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err, "connect admin db")
	_, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema)
	if err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	require.NoError(t, err)
	db, err := pgxpool.New(context.Background(), dbDSN)
	require.NoError(t, err, "connect test db")

	t.Cleanup(func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_init.sql"))
	require.NoError(t, err, "read migrations")
	_, err = db.Exec(context.Background(), string(sqlBytes))
	require.NoError(t, err, "run migrations")
	return db
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
