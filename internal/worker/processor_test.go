package worker

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/credentials"
	"dispatch/internal/domain"
	"dispatch/internal/providers/mail"
	"dispatch/internal/providers/twilio"
	sqsqueue "dispatch/internal/queue/sqs"
	"dispatch/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	configs map[domain.Channel]domain.RateLimitConfig
	records map[string]domain.DeliveryRecord
	events  []domain.DeliveryEvent
}

func newMemStore() *memStore {
	return &memStore{
		configs: map[domain.Channel]domain.RateLimitConfig{
			domain.ChannelEmail:    {Channel: domain.ChannelEmail, PerMinute: 20, PerHour: 100, PerDay: 1000, Active: true},
			domain.ChannelWhatsApp: {Channel: domain.ChannelWhatsApp, PerMinute: 10, PerHour: 50, PerDay: 500, Active: true},
		},
		records: map[string]domain.DeliveryRecord{},
	}
}

func (m *memStore) GetRateLimitConfig(_ context.Context, ch domain.Channel) (domain.RateLimitConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[ch]
	return c, ok, nil
}

func (m *memStore) GetDelivery(_ context.Context, id string) (domain.DeliveryRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok, nil
}

func (m *memStore) TransitionStatus(_ context.Context, in store.StatusTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[in.ID]
	if !ok {
		return false, nil
	}
	if in.From != nil && !slices.Contains(in.From, r.Status) {
		return false, nil
	}
	if in.NotFrom != nil && slices.Contains(in.NotFrom, r.Status) {
		return false, nil
	}
	if in.ResendableOnly && r.Status == domain.StatusFailed && r.Additional[domain.FailureOriginKey] != domain.FailureOriginAttempt {
		return false, nil
	}
	if in.To != "" {
		r.Status = in.To
	}
	if in.TrackingID != "" {
		r.TrackingID = in.TrackingID
	}
	if r.Additional == nil {
		r.Additional = map[string]any{}
	}
	for k, v := range in.Additional {
		r.Additional[k] = v
	}
	m.records[in.ID] = r
	return true, nil
}

func (m *memStore) InsertEvent(_ context.Context, ev domain.DeliveryEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return int64(len(m.events)), nil
}

func (m *memStore) put(r domain.DeliveryRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r
}

func (m *memStore) record(t *testing.T, id string) domain.DeliveryRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	require.True(t, ok)
	return r
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Event)
	}
	return out
}

// deadlineStore fails writes made with a finished context, as a database
// driver would.
type deadlineStore struct {
	*memStore
}

func (d deadlineStore) TransitionStatus(ctx context.Context, in store.StatusTransition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return d.memStore.TransitionStatus(ctx, in)
}

func (d deadlineStore) InsertEvent(ctx context.Context, ev domain.DeliveryEvent) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return d.memStore.InsertEvent(ctx, ev)
}

type fakeLimiter struct {
	deny     bool
	recorded int
}

func (f *fakeLimiter) CanSend(context.Context, domain.Channel, int, int, int) (bool, error) {
	return !f.deny, nil
}

func (f *fakeLimiter) RecordSend(context.Context, domain.Channel) error {
	f.recorded++
	return nil
}

type fakeCreds struct {
	cred   *domain.Credential
	fields credentials.Fields
}

func (f *fakeCreds) ResolveDefault(context.Context, string, domain.Channel) (*domain.Credential, error) {
	return f.cred, nil
}

func (f *fakeCreds) Decrypt(domain.Credential) credentials.Fields { return f.fields }

type fakeWhatsApp struct {
	calls []twilio.Config
	resp  twilio.SendResponse
	err   error
}

func (f *fakeWhatsApp) SendWhatsApp(_ context.Context, cfg twilio.Config, _ twilio.SendRequest) (twilio.SendResponse, int, []byte, error) {
	f.calls = append(f.calls, cfg)
	if f.err != nil {
		return twilio.SendResponse{}, 400, []byte(`{"code":21211}`), f.err
	}
	return f.resp, 201, []byte(`{"sid":"` + f.resp.Sid + `"}`), nil
}

// hookWhatsApp runs send in place of the provider call.
type hookWhatsApp struct {
	send func(ctx context.Context) (twilio.SendResponse, error)
}

func (h *hookWhatsApp) SendWhatsApp(ctx context.Context, _ twilio.Config, _ twilio.SendRequest) (twilio.SendResponse, int, []byte, error) {
	resp, err := h.send(ctx)
	if err != nil {
		return twilio.SendResponse{}, 0, nil, err
	}
	return resp, 201, []byte(`{"sid":"` + resp.Sid + `"}`), nil
}

var systemTwilio = twilio.Config{AccountSID: "ACsys", AuthToken: "tok", From: "+15550001"}

func newProcessor(st *memStore, lim *fakeLimiter, wa *fakeWhatsApp) *Processor {
	return &Processor{
		Store:          st,
		Limiter:        lim,
		Credentials:    &fakeCreds{},
		Mailers:        func(cfg mail.Config) (mail.Sender, error) { return mail.New(cfg, mail.Options{}) },
		SystemMail:     mail.Config{Transport: mail.DriverLog, FromAddress: "noreply@example.com"},
		WhatsApp:       wa,
		SystemWhatsApp: systemTwilio,
		Now:            func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func (p *Processor) withWhatsApp(wa WhatsAppSender) *Processor {
	p.WhatsApp = wa
	return p
}

func queued(id string, ch domain.Channel, to string) domain.DeliveryRecord {
	return domain.DeliveryRecord{ID: id, TenantID: "t1", Channel: ch, Destination: to, Status: domain.StatusQueued}
}

func emailJob(id string) sqsqueue.Job {
	return sqsqueue.Job{Channel: domain.ChannelEmail, DeliveryID: id, TenantID: "t1", To: "ana@example.com", Subject: "Hola", HTML: "<p>hi</p>"}
}

func whatsappJob(id string) sqsqueue.Job {
	return sqsqueue.Job{Channel: domain.ChannelWhatsApp, DeliveryID: id, TenantID: "t1", To: "573001112233", TemplateID: "HX1", Vars: map[string]string{"1": "Ana"}}
}

func TestHandle_EmailWithSystemLogDriver(t *testing.T) {
	st, lim := newMemStore(), &fakeLimiter{}
	st.put(queued("env_1", domain.ChannelEmail, "ana@example.com"))
	p := newProcessor(st, lim, &fakeWhatsApp{})

	require.NoError(t, p.Handle(context.Background(), emailJob("env_1"), 1))

	rec := st.record(t, "env_1")
	assert.Equal(t, domain.StatusSent, rec.Status)
	assert.True(t, strings.HasPrefix(rec.TrackingID, "SUCCESS_SENT_LOCAL-"), rec.TrackingID)
	assert.Equal(t, false, rec.Additional["usa_credenciales_propias"])
	assert.Equal(t, mail.DriverLog, rec.Additional["driver_usado"])
	assert.Equal(t, "2026-03-01T12:00:00Z", rec.Additional["enviado_en"])
	assert.Equal(t, []string{domain.EventSent}, st.eventTypes())
	assert.Equal(t, 1, lim.recorded)
}

func TestHandle_RateLimitDeniedReleasesWithoutFailing(t *testing.T) {
	st, lim := newMemStore(), &fakeLimiter{deny: true}
	st.put(queued("env_1", domain.ChannelWhatsApp, "573001112233"))
	wa := &fakeWhatsApp{resp: twilio.SendResponse{Sid: "SM1"}}
	p := newProcessor(st, lim, wa)

	err := p.Handle(context.Background(), whatsappJob("env_1"), 1)

	re, ok := sqsqueue.IsRelease(err)
	require.True(t, ok, "want release, got %v", err)
	assert.Equal(t, 10*time.Second, re.Delay)
	assert.Equal(t, domain.StatusQueued, st.record(t, "env_1").Status)
	assert.NotContains(t, st.eventTypes(), domain.EventFailed)
	assert.Empty(t, wa.calls)
	assert.Zero(t, lim.recorded)
}

func TestHandle_ConfigMissingIsTerminal(t *testing.T) {
	st, lim := newMemStore(), &fakeLimiter{}
	delete(st.configs, domain.ChannelWhatsApp)
	st.put(queued("env_1", domain.ChannelWhatsApp, "573001112233"))
	wa := &fakeWhatsApp{}
	p := newProcessor(st, lim, wa)

	require.NoError(t, p.Handle(context.Background(), whatsappJob("env_1"), 1))

	rec := st.record(t, "env_1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.Additional["mensaje_sistema"])
	assert.Equal(t, []string{domain.EventConfigMissing}, st.eventTypes())
	assert.Empty(t, wa.calls)
}

func TestHandle_InactiveConfigIsTerminal(t *testing.T) {
	st := newMemStore()
	cfg := st.configs[domain.ChannelEmail]
	cfg.Active = false
	st.configs[domain.ChannelEmail] = cfg
	st.put(queued("env_1", domain.ChannelEmail, "ana@example.com"))

	require.NoError(t, newProcessor(st, &fakeLimiter{}, &fakeWhatsApp{}).Handle(context.Background(), emailJob("env_1"), 1))
	assert.Equal(t, domain.StatusFailed, st.record(t, "env_1").Status)
}

func TestHandle_ProviderFailureMarksFailedAndReturnsError(t *testing.T) {
	st := newMemStore()
	st.put(queued("env_1", domain.ChannelWhatsApp, "573001112233"))
	wa := &fakeWhatsApp{err: &twilio.APIError{HTTPStatus: 400, Code: 21211, Message: "Invalid 'To' Phone Number"}}
	p := newProcessor(st, &fakeLimiter{}, wa)

	err := p.Handle(context.Background(), whatsappJob("env_1"), 1)
	require.Error(t, err)
	_, released := sqsqueue.IsRelease(err)
	assert.False(t, released)

	rec := st.record(t, "env_1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Contains(t, rec.Additional["error_final"], "21211")
	assert.Equal(t, domain.FailureOriginAttempt, rec.Additional[domain.FailureOriginKey])
	require.Len(t, st.events, 1)
	ev := st.events[0]
	assert.Equal(t, domain.EventFailed, ev.Event)
	assert.Equal(t, "21211", ev.ErrorCode)
	resp := ev.Response.(map[string]any)
	assert.Equal(t, 400, resp["http_status"])
}

func TestHandle_LaterAttemptSucceedsAfterFailure(t *testing.T) {
	st := newMemStore()
	r := queued("env_1", domain.ChannelWhatsApp, "573001112233")
	r.Status = domain.StatusFailed
	r.Additional = map[string]any{domain.FailureOriginKey: domain.FailureOriginAttempt}
	st.put(r)
	p := newProcessor(st, &fakeLimiter{}, &fakeWhatsApp{resp: twilio.SendResponse{Sid: "SM42"}})

	require.NoError(t, p.Handle(context.Background(), whatsappJob("env_1"), 2))

	rec := st.record(t, "env_1")
	assert.Equal(t, domain.StatusSent, rec.Status)
	assert.Equal(t, "SM42", rec.TrackingID)
}

func TestHandle_ProviderReportedFailureIsNotResent(t *testing.T) {
	for _, origin := range []any{domain.FailureOriginProvider, domain.FailureOriginJob, nil} {
		st, lim := newMemStore(), &fakeLimiter{}
		r := queued("env_1", domain.ChannelEmail, "ana@example.com")
		r.Status = domain.StatusFailed
		r.TrackingID = "abc123"
		if origin != nil {
			r.Additional = map[string]any{domain.FailureOriginKey: origin}
		}
		st.put(r)

		require.NoError(t, newProcessor(st, lim, &fakeWhatsApp{}).Handle(context.Background(), emailJob("env_1"), 2))

		rec := st.record(t, "env_1")
		assert.Equal(t, domain.StatusFailed, rec.Status, "origin %v", origin)
		assert.Equal(t, "abc123", rec.TrackingID, "origin %v", origin)
		assert.Empty(t, st.eventTypes(), "origin %v", origin)
		assert.Zero(t, lim.recorded, "origin %v", origin)
	}
}

func TestHandle_ProviderFailureDuringSendIsKept(t *testing.T) {
	st := newMemStore()
	r := queued("env_1", domain.ChannelWhatsApp, "573001112233")
	r.Status = domain.StatusFailed
	r.Additional = map[string]any{domain.FailureOriginKey: domain.FailureOriginAttempt}
	st.put(r)
	wa := &hookWhatsApp{send: func(ctx context.Context) (twilio.SendResponse, error) {
		// The callback for the earlier attempt lands while this one is in flight.
		_, err := st.TransitionStatus(ctx, store.StatusTransition{
			ID:         "env_1",
			To:         domain.StatusFailed,
			Additional: map[string]any{domain.FailureOriginKey: domain.FailureOriginProvider},
		})
		return twilio.SendResponse{Sid: "SM2"}, err
	}}

	require.NoError(t, newProcessor(st, &fakeLimiter{}, nil).withWhatsApp(wa).Handle(context.Background(), whatsappJob("env_1"), 2))

	rec := st.record(t, "env_1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.FailureOriginProvider, rec.Additional[domain.FailureOriginKey])
}

func TestHandle_TimedOutAttemptIsStillRecorded(t *testing.T) {
	mem := newMemStore()
	mem.put(queued("env_1", domain.ChannelWhatsApp, "573001112233"))
	wa := &hookWhatsApp{send: func(ctx context.Context) (twilio.SendResponse, error) {
		<-ctx.Done()
		return twilio.SendResponse{}, ctx.Err()
	}}
	p := newProcessor(mem, &fakeLimiter{}, nil).withWhatsApp(wa)
	p.Store = deadlineStore{mem}
	p.WhatsAppTimeout = 50 * time.Millisecond

	err := p.Handle(context.Background(), whatsappJob("env_1"), 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	rec := mem.record(t, "env_1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.FailureOriginAttempt, rec.Additional[domain.FailureOriginKey])
	assert.Equal(t, []string{domain.EventFailed}, mem.eventTypes())
}

func TestHandle_SuccessIsRecordedWhenParentContextEnds(t *testing.T) {
	mem := newMemStore()
	mem.put(queued("env_1", domain.ChannelWhatsApp, "573001112233"))
	ctx, cancel := context.WithCancel(context.Background())
	wa := &hookWhatsApp{send: func(context.Context) (twilio.SendResponse, error) {
		// Shutdown arrives after the provider accepted the message.
		cancel()
		return twilio.SendResponse{Sid: "SM5"}, nil
	}}
	p := newProcessor(mem, &fakeLimiter{}, nil).withWhatsApp(wa)
	p.Store = deadlineStore{mem}

	require.NoError(t, p.Handle(ctx, whatsappJob("env_1"), 1))

	rec := mem.record(t, "env_1")
	assert.Equal(t, domain.StatusSent, rec.Status)
	assert.Equal(t, "SM5", rec.TrackingID)
	assert.Equal(t, []string{domain.EventSent}, mem.eventTypes())
}

func TestHandle_SkipsRecordAlreadyPastSending(t *testing.T) {
	st, lim := newMemStore(), &fakeLimiter{}
	r := queued("env_1", domain.ChannelWhatsApp, "573001112233")
	r.Status = domain.StatusDelivered
	st.put(r)
	wa := &fakeWhatsApp{resp: twilio.SendResponse{Sid: "SM1"}}

	require.NoError(t, newProcessor(st, lim, wa).Handle(context.Background(), whatsappJob("env_1"), 2))
	assert.Empty(t, wa.calls)
	assert.Zero(t, lim.recorded)
	assert.Equal(t, domain.StatusDelivered, st.record(t, "env_1").Status)
}

func TestHandle_UsesTenantCredential(t *testing.T) {
	st := newMemStore()
	st.put(queued("env_1", domain.ChannelWhatsApp, "573001112233"))
	wa := &fakeWhatsApp{resp: twilio.SendResponse{Sid: "SM7"}}
	p := newProcessor(st, &fakeLimiter{}, wa)
	p.Credentials = &fakeCreds{
		cred:   &domain.Credential{ID: 7, TenantID: "t1", Channel: domain.ChannelWhatsApp, Provider: domain.ProviderTwilio},
		fields: credentials.Fields{"account_sid": "ACtenant", "auth_token": "x", "from": "+15559999"},
	}

	require.NoError(t, p.Handle(context.Background(), whatsappJob("env_1"), 1))

	require.Len(t, wa.calls, 1)
	assert.Equal(t, "ACtenant", wa.calls[0].AccountSID)
	rec := st.record(t, "env_1")
	assert.Equal(t, true, rec.Additional["usa_credenciales_propias"])
	assert.Equal(t, int64(7), rec.Additional["credencial_id"])
	// System config is untouched by a tenant send.
	assert.Equal(t, "ACsys", p.SystemWhatsApp.AccountSID)
}

func TestHandle_UndecryptableCredentialFallsBackToSystem(t *testing.T) {
	st := newMemStore()
	st.put(queued("env_1", domain.ChannelWhatsApp, "573001112233"))
	wa := &fakeWhatsApp{resp: twilio.SendResponse{Sid: "SM8"}}
	p := newProcessor(st, &fakeLimiter{}, wa)
	p.Credentials = &fakeCreds{cred: &domain.Credential{ID: 9}, fields: credentials.Fields{}}

	require.NoError(t, p.Handle(context.Background(), whatsappJob("env_1"), 1))
	require.Len(t, wa.calls, 1)
	assert.Equal(t, "ACsys", wa.calls[0].AccountSID)
	assert.Equal(t, false, st.record(t, "env_1").Additional["usa_credenciales_propias"])
}

func TestHandle_MissingSidGetsFallbackToken(t *testing.T) {
	st := newMemStore()
	st.put(queued("env_1", domain.ChannelWhatsApp, "573001112233"))
	p := newProcessor(st, &fakeLimiter{}, &fakeWhatsApp{})

	require.NoError(t, p.Handle(context.Background(), whatsappJob("env_1"), 1))
	assert.True(t, strings.HasPrefix(st.record(t, "env_1").TrackingID, "UNKNOWN_RESPONSE-"))
}

func TestHandle_BadAttachmentFailsAttempt(t *testing.T) {
	st := newMemStore()
	st.put(queued("env_1", domain.ChannelEmail, "ana@example.com"))
	job := emailJob("env_1")
	job.Attachments = []domain.Attachment{{Name: "a.pdf", Content: "%%%"}}

	err := newProcessor(st, &fakeLimiter{}, &fakeWhatsApp{}).Handle(context.Background(), job, 1)
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, st.record(t, "env_1").Status)
	assert.Equal(t, []string{domain.EventFailed}, st.eventTypes())
}

func TestHandle_OpenBreakerReleases(t *testing.T) {
	st := newMemStore()
	st.put(queued("env_1", domain.ChannelWhatsApp, "573001112233"))
	wa := &fakeWhatsApp{err: &twilio.APIError{HTTPStatus: 503}}
	p := newProcessor(st, &fakeLimiter{}, wa)
	p.Breakers = map[domain.Channel]*gobreaker.CircuitBreaker{
		domain.ChannelWhatsApp: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Timeout:      time.Hour,
			ReadyToTrip:  func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
			IsSuccessful: func(err error) bool { return err == nil || !Transient(err) },
		}),
	}

	require.Error(t, p.Handle(context.Background(), whatsappJob("env_1"), 1))
	err := p.Handle(context.Background(), whatsappJob("env_1"), 2)

	_, released := sqsqueue.IsRelease(err)
	assert.True(t, released, "want release, got %v", err)
	assert.Len(t, wa.calls, 1)
	assert.Equal(t, []string{domain.EventFailed}, st.eventTypes())
}

func TestFailed_IsIdempotent(t *testing.T) {
	st := newMemStore()
	st.put(queued("env_1", domain.ChannelEmail, "ana@example.com"))
	p := newProcessor(st, &fakeLimiter{}, &fakeWhatsApp{})

	p.Failed(context.Background(), emailJob("env_1"), errors.New("released for 10s: global rate limit"))
	p.Failed(context.Background(), emailJob("env_1"), errors.New("released for 10s: global rate limit"))

	assert.Equal(t, domain.StatusFailed, st.record(t, "env_1").Status)
	assert.Equal(t, []string{domain.EventJobFailure}, st.eventTypes())
}

func TestFailed_AfterAttemptFailureAddsNothing(t *testing.T) {
	st := newMemStore()
	st.put(queued("env_1", domain.ChannelWhatsApp, "573001112233"))
	p := newProcessor(st, &fakeLimiter{}, &fakeWhatsApp{err: &twilio.APIError{HTTPStatus: 500}})

	err := p.Handle(context.Background(), whatsappJob("env_1"), 3)
	require.Error(t, err)
	p.Failed(context.Background(), whatsappJob("env_1"), err)

	assert.Equal(t, domain.StatusFailed, st.record(t, "env_1").Status)
	assert.Equal(t, []string{domain.EventFailed}, st.eventTypes())
}

func TestFailed_DoesNotDowngradeDelivered(t *testing.T) {
	st := newMemStore()
	r := queued("env_1", domain.ChannelEmail, "ana@example.com")
	r.Status = domain.StatusDelivered
	st.put(r)

	newProcessor(st, &fakeLimiter{}, &fakeWhatsApp{}).Failed(context.Background(), emailJob("env_1"), errors.New("late"))

	assert.Equal(t, domain.StatusDelivered, st.record(t, "env_1").Status)
	assert.Empty(t, st.eventTypes())
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(&mail.APIError{HTTPStatus: 502}))
	assert.True(t, Transient(&mail.APIError{HTTPStatus: 429}))
	assert.False(t, Transient(&mail.APIError{HTTPStatus: 400}))
	assert.False(t, Transient(&twilio.APIError{HTTPStatus: 404}))
	assert.True(t, Transient(&callError{err: &twilio.APIError{HTTPStatus: 503}}))
	assert.True(t, Transient(context.DeadlineExceeded))
}
