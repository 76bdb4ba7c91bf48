package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dispatch-engine/internal/common/breaker"
	"dispatch-engine/internal/common/broker"
	"dispatch-engine/internal/common/cache"
	apperrors "dispatch-engine/internal/common/errors"
	"dispatch-engine/internal/common/logger"
	"dispatch-engine/internal/common/metrics"
	"dispatch-engine/internal/common/observability"
	"dispatch-engine/internal/common/templates"
	"dispatch-engine/internal/common/users"
	"dispatch-engine/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// ==========================
// Test Helper Functions
// ==========================

type publishCall struct {
	Key      broker.RoutingKey
	Message  models.DeliveryMessage
	Priority *uint8
}

type publishResult struct {
	accepted bool
	err      error
}

type fakePublisher struct {
	mu      sync.Mutex
	calls   []publishCall
	results map[broker.RoutingKey]publishResult
	delay   time.Duration
}

func (f *fakePublisher) Publish(_ context.Context, key broker.RoutingKey, message any, priority *uint8) (bool, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, publishCall{Key: key, Message: message.(models.DeliveryMessage), Priority: priority})
	if r, ok := f.results[key]; ok {
		return r.accepted, r.err
	}
	return true, nil
}

func (f *fakePublisher) fail(key broker.RoutingKey, accepted bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[broker.RoutingKey]publishResult)
	}
	f.results[key] = publishResult{accepted: accepted, err: err}
}

func (f *fakePublisher) callsFor(key broker.RoutingKey) []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishCall
	for _, c := range f.calls {
		if c.Key == key {
			out = append(out, c)
		}
	}
	return out
}

type fakeUsers struct {
	calls atomic.Int32
	token atomic.Value
	get   func(userID string) (*users.User, error)
}

func (f *fakeUsers) GetUser(_ context.Context, userID, authToken string) (*users.User, error) {
	f.calls.Add(1)
	f.token.Store(authToken)
	return f.get(userID)
}

type fakeTemplates struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTemplates) Validate(_ context.Context, _ string) error {
	f.calls.Add(1)
	return f.err
}

type testEnv struct {
	svc       *Service
	publisher *fakePublisher
	users     *fakeUsers
	templates *fakeTemplates
	registry  *breaker.Registry
}

func healthyUser(prefs *users.Preferences) func(string) (*users.User, error) {
	return func(id string) (*users.User, error) {
		return &users.User{ID: id, Preferences: prefs}, nil
	}
}

// testBreakerSettings trips a circuit on its first failure.
func testBreakerSettings(name string) breaker.Settings {
	s := breaker.DefaultSettings()
	s.Timeout = time.Second
	s.ErrorThresholdPercentage = 0
	s.VolumeThreshold = 1
	if name == TemplateServiceBreaker {
		s.IsRejection = templates.IsRejection
	}
	return s
}

func createTestService(t *testing.T, cfg *Config, prefCache PreferenceCache) *testEnv {
	t.Helper()
	env := &testEnv{
		publisher: &fakePublisher{},
		users:     &fakeUsers{get: healthyUser(&users.Preferences{Email: true, Push: true})},
		templates: &fakeTemplates{},
		registry:  breaker.NewRegistry(testBreakerSettings),
	}
	svc, err := NewService(cfg, Dependencies{
		Publisher: env.publisher,
		Users:     env.users,
		Templates: env.templates,
		Breakers:  env.registry,
		Cache:     prefCache,
		Logger:    logger.NewTestLogger(t),
	})
	require.NoError(t, err)
	env.svc = svc
	return env
}

func emailInput(requestID string) CreateInput {
	return CreateInput{
		NotificationType: models.NotificationTypeEmail,
		UserID:           "u1",
		TemplateCode:     "welcome",
		RequestID:        requestID,
		Variables:        map[string]interface{}{"name": "Ada"},
	}
}

func assertCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperrors.CodeOf(err), err.Error())
}

// ==========================
// Create
// ==========================

func TestCreate_ThenMarkSent(t *testing.T) {
	env := createTestService(t, nil, nil)
	env.users.get = healthyUser(&users.Preferences{Email: true})
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, emailInput("r1"), "token-1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.NotificationID)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, models.NotificationTypeEmail, rec.NotificationType)
	assert.Equal(t, "r1", rec.RequestID)
	assert.Nil(t, rec.UpdatedAt)
	assert.Equal(t, "token-1", env.users.token.Load())

	sent := env.publisher.callsFor(broker.RoutingKeyEmail)
	require.Len(t, sent, 1)
	assert.Equal(t, rec.NotificationID, sent[0].Message.NotificationID)
	assert.Equal(t, "welcome", sent[0].Message.TemplateCode)
	assert.Equal(t, "Ada", sent[0].Message.Variables["name"])

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = env.svc.UpdateStatus(ctx, StatusUpdate{NotificationID: rec.NotificationID, Status: models.StatusSent, Timestamp: &ts})
	require.NoError(t, err)

	got, err := env.svc.Get(ctx, rec.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	require.NotNil(t, got.UpdatedAt)
	assert.True(t, ts.Equal(*got.UpdatedAt))
}

func TestCreate_SameRequestIDPublishesOnce(t *testing.T) {
	env := createTestService(t, nil, nil)
	ctx := context.Background()

	first, err := env.svc.Create(ctx, emailInput("r1"), "")
	require.NoError(t, err)
	second, err := env.svc.Create(ctx, emailInput("r1"), "")
	require.NoError(t, err)

	assert.Equal(t, first.NotificationID, second.NotificationID)
	assert.Len(t, env.publisher.callsFor(broker.RoutingKeyEmail), 1)
	assert.Equal(t, int32(1), env.users.calls.Load())
	assert.Equal(t, 1, env.svc.count())
}

func TestCreate_ConcurrentSameRequestID(t *testing.T) {
	env := createTestService(t, nil, nil)
	env.publisher.delay = 20 * time.Millisecond

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := env.svc.Create(context.Background(), emailInput("r-concurrent"), "")
			if assert.NoError(t, err) {
				ids[i] = rec.NotificationID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, env.publisher.callsFor(broker.RoutingKeyEmail), 1)
	assert.Equal(t, 1, env.svc.count())
}

func TestCreate_DistinctRequestIDs(t *testing.T) {
	env := createTestService(t, nil, nil)
	a, err := env.svc.Create(context.Background(), emailInput("r1"), "")
	require.NoError(t, err)
	b, err := env.svc.Create(context.Background(), emailInput("r2"), "")
	require.NoError(t, err)
	assert.NotEqual(t, a.NotificationID, b.NotificationID)
	assert.Len(t, env.publisher.callsFor(broker.RoutingKeyEmail), 2)
}

func TestCreate_UserServiceOpenFailsOpen(t *testing.T) {
	env := createTestService(t, nil, nil)
	env.users.get = func(string) (*users.User, error) { return nil, errors.New("connection refused") }
	ctx := context.Background()

	in := emailInput("r1")
	in.NotificationType = models.NotificationTypePush
	rec, err := env.svc.Create(ctx, in, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)

	status, ok := env.registry.Status(UserServiceBreaker)
	require.True(t, ok)
	assert.Equal(t, breaker.StateOpen, status.State)

	// open circuit: the user service is not called again
	_, err = env.svc.Create(ctx, emailInput("r2"), "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.users.calls.Load())
	assert.Len(t, env.publisher.callsFor(broker.RoutingKeyPush), 1)
	assert.Len(t, env.publisher.callsFor(broker.RoutingKeyEmail), 1)
}

func TestCreate_UserNotFoundFallsBack(t *testing.T) {
	env := createTestService(t, nil, nil)
	env.users.get = func(string) (*users.User, error) { return nil, users.ErrUserNotFound }

	_, err := env.svc.Create(context.Background(), emailInput("r1"), "")
	require.NoError(t, err)
}

func TestCreate_FailOpenUsesCachedPreferences(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	prefCache := cache.NewPreferenceCache(client, time.Hour)

	env := createTestService(t, nil, prefCache)
	env.users.get = healthyUser(&users.Preferences{Email: false, Push: true})
	ctx := context.Background()

	in := emailInput("r1")
	in.NotificationType = models.NotificationTypePush
	_, err := env.svc.Create(ctx, in, "")
	require.NoError(t, err)
	assert.True(t, mr.Exists(cache.Key("u1")))

	env.users.get = func(string) (*users.User, error) { return nil, errors.New("503") }
	_, err = env.svc.Create(ctx, emailInput("r2"), "")
	assertCode(t, err, apperrors.ErrCodeChannelDisabled)
}

func TestCreate_FailClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UserFallbackPolicy = FailClosed
	env := createTestService(t, cfg, nil)
	env.users.get = func(string) (*users.User, error) { return nil, errors.New("connection refused") }

	_, err := env.svc.Create(context.Background(), emailInput("r1"), "")
	assertCode(t, err, apperrors.ErrCodeDependencyUnavailable)
	assert.Equal(t, 503, apperrors.HTTPStatus(err))
	assert.Equal(t, 0, env.svc.count())
	assert.Empty(t, env.publisher.calls)
}

func TestCreate_ChannelDisabled(t *testing.T) {
	tests := []struct {
		name  string
		prefs *users.Preferences
		kind  models.NotificationType
	}{
		{name: "email opted out", prefs: &users.Preferences{Push: true}, kind: models.NotificationTypeEmail},
		{name: "push opted out", prefs: &users.Preferences{Email: true}, kind: models.NotificationTypePush},
		{name: "no preferences", prefs: nil, kind: models.NotificationTypeEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := createTestService(t, nil, nil)
			env.users.get = healthyUser(tt.prefs)

			in := emailInput("r1")
			in.NotificationType = tt.kind
			_, err := env.svc.Create(context.Background(), in, "")
			assertCode(t, err, apperrors.ErrCodeChannelDisabled)
			assert.Equal(t, 0, env.svc.count())
			assert.Empty(t, env.publisher.calls)
			assert.Equal(t, int32(0), env.templates.calls.Load())
		})
	}
}

func TestCreate_PlainPreferencesPayloadDisablesChannel(t *testing.T) {
	userService := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"preferences":{"email":false,"push":true}}`))
	}))
	defer userService.Close()

	registry := breaker.NewRegistry(func(name string) breaker.Settings {
		s := breaker.DefaultSettings()
		if name == TemplateServiceBreaker {
			s.IsRejection = templates.IsRejection
		}
		return s
	})
	publisher := &fakePublisher{}
	svc, err := NewService(nil, Dependencies{
		Publisher: publisher,
		Users:     users.NewClient(userService.URL, time.Second),
		Templates: &fakeTemplates{},
		Breakers:  registry,
		Logger:    logger.NewTestLogger(t),
	})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), emailInput("r1"), "")
	assertCode(t, err, apperrors.ErrCodeChannelDisabled)
	assert.Empty(t, publisher.callsFor(broker.RoutingKeyEmail))

	status, ok := registry.Status(UserServiceBreaker)
	require.True(t, ok)
	assert.Equal(t, breaker.StateClosed, status.State)
	assert.Zero(t, status.Stats.Failures)
	assert.Zero(t, status.Stats.Fallbacks)
}

func TestCreate_TemplateTransportErrorContinues(t *testing.T) {
	env := createTestService(t, nil, nil)
	env.templates.err = errors.New("dial tcp: connection refused")

	rec, err := env.svc.Create(context.Background(), emailInput("r1"), "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Len(t, env.publisher.callsFor(broker.RoutingKeyEmail), 1)
}

func TestCreate_TemplateRejected(t *testing.T) {
	env := createTestService(t, nil, nil)
	env.templates.err = fmt.Errorf("%w: welcome (status 404)", templates.ErrTemplateRejected)

	_, err := env.svc.Create(context.Background(), emailInput("r1"), "")
	assertCode(t, err, apperrors.ErrCodeTemplateRejected)
	assert.Equal(t, 400, apperrors.HTTPStatus(err))
	assert.Equal(t, 0, env.svc.count())
	assert.Empty(t, env.publisher.calls)

	status, ok := env.registry.Status(TemplateServiceBreaker)
	require.True(t, ok)
	assert.Equal(t, breaker.StateClosed, status.State)
	assert.Equal(t, 0, status.Stats.Failures)
}

func TestCreate_TemplateRejectedWithoutBreakerFilter(t *testing.T) {
	env := createTestService(t, nil, nil)
	reg := breaker.NewRegistry(nil)
	svc, err := NewService(nil, Dependencies{
		Publisher: env.publisher,
		Users:     env.users,
		Templates: &fakeTemplates{err: templates.ErrTemplateRejected},
		Breakers:  reg,
	})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), emailInput("r1"), "")
	assertCode(t, err, apperrors.ErrCodeTemplateRejected)
}

func TestCreate_PublishFailure(t *testing.T) {
	tests := []struct {
		name         string
		accepted     bool
		err          error
		failedQueue  *publishResult
		wantFailedTo int
	}{
		{name: "channel refused write", accepted: false, wantFailedTo: 1},
		{name: "channel unavailable", err: broker.ErrChannelUnavailable, wantFailedTo: 1},
		{name: "failed queue also down", err: broker.ErrChannelUnavailable, failedQueue: &publishResult{err: broker.ErrChannelUnavailable}, wantFailedTo: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := createTestService(t, nil, nil)
			env.publisher.fail(broker.RoutingKeyEmail, tt.accepted, tt.err)
			if tt.failedQueue != nil {
				env.publisher.fail(broker.RoutingKeyFailed, tt.failedQueue.accepted, tt.failedQueue.err)
			}

			_, err := env.svc.Create(context.Background(), emailInput("r1"), "")
			assertCode(t, err, apperrors.ErrCodePublishFailed)
			assert.Equal(t, 500, apperrors.HTTPStatus(err))

			failed := env.publisher.callsFor(broker.RoutingKeyFailed)
			require.Len(t, failed, tt.wantFailedTo)
			assert.Nil(t, failed[0].Priority)

			rec, err := env.svc.Get(context.Background(), failed[0].Message.NotificationID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, rec.Status)
			assert.NotEmpty(t, rec.Metadata["error"])
			assert.NotNil(t, rec.UpdatedAt)

			// the failed record answers a retry of the same request
			again, err := env.svc.Create(context.Background(), emailInput("r1"), "")
			require.NoError(t, err)
			assert.Equal(t, rec.NotificationID, again.NotificationID)
			assert.Equal(t, models.StatusFailed, again.Status)
		})
	}
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *CreateInput)
	}{
		{name: "unknown channel", mutate: func(in *CreateInput) { in.NotificationType = "sms" }},
		{name: "missing user", mutate: func(in *CreateInput) { in.UserID = "" }},
		{name: "missing template", mutate: func(in *CreateInput) { in.TemplateCode = "" }},
		{name: "missing request id", mutate: func(in *CreateInput) { in.RequestID = "" }},
		{name: "priority too high", mutate: func(in *CreateInput) { p := 11; in.Priority = &p }},
		{name: "priority too low", mutate: func(in *CreateInput) { p := 0; in.Priority = &p }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := createTestService(t, nil, nil)
			in := emailInput("r1")
			tt.mutate(&in)

			_, err := env.svc.Create(context.Background(), in, "")
			assertCode(t, err, apperrors.ErrCodeValidationFailed)
			assert.Equal(t, int32(0), env.users.calls.Load())
			assert.Empty(t, env.publisher.calls)
		})
	}
}

func TestCreate_Priority(t *testing.T) {
	env := createTestService(t, nil, nil)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, emailInput("r1"), "")
	require.NoError(t, err)

	in := emailInput("r2")
	p := 7
	in.Priority = &p
	_, err = env.svc.Create(ctx, in, "")
	require.NoError(t, err)

	calls := env.publisher.callsFor(broker.RoutingKeyEmail)
	require.Len(t, calls, 2)
	assert.Equal(t, 1, calls[0].Message.Priority)
	assert.Nil(t, calls[0].Priority)
	assert.Equal(t, 7, calls[1].Message.Priority)
	require.NotNil(t, calls[1].Priority)
	assert.Equal(t, uint8(7), *calls[1].Priority)
}

func TestCreate_CallerCancellationDoesNotAbort(t *testing.T) {
	env := createTestService(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := env.svc.Create(ctx, emailInput("r1"), "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Len(t, env.publisher.callsFor(broker.RoutingKeyEmail), 1)
}

func TestCreate_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	obs := observability.New("dispatch-test", observability.Options{
		Registerer:    prometheus.NewRegistry(),
		SpanProcessor: recorder,
	})
	t.Cleanup(func() { _ = obs.Shutdown(context.Background()) })

	env := createTestService(t, nil, nil)
	svc, err := NewService(nil, Dependencies{
		Publisher:     env.publisher,
		Users:         env.users,
		Templates:     env.templates,
		Breakers:      env.registry,
		Observability: obs,
	})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), emailInput("r1"), "")
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "dispatch.create", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "email", attrs["notification.type"])
	assert.Equal(t, outcomeCreated, attrs["dispatch.outcome"])
	assert.NotEmpty(t, attrs["notification.id"])
}

// ==========================
// UpdateStatus / Get
// ==========================

func TestUpdateStatus(t *testing.T) {
	env := createTestService(t, nil, nil)
	ctx := context.Background()

	in := emailInput("r1")
	in.Metadata = map[string]interface{}{"campaign": "spring"}
	rec, err := env.svc.Create(ctx, in, "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		update   StatusUpdate
		wantCode apperrors.ErrorCode
	}{
		{name: "unknown id", update: StatusUpdate{NotificationID: "missing", Status: models.StatusSent}, wantCode: apperrors.ErrCodeNotificationNotFound},
		{name: "unknown status", update: StatusUpdate{NotificationID: rec.NotificationID, Status: "bounced"}, wantCode: apperrors.ErrCodeValidationFailed},
		{name: "type mismatch", update: StatusUpdate{NotificationID: rec.NotificationID, Status: models.StatusSent, NotificationType: models.NotificationTypePush}, wantCode: apperrors.ErrCodeValidationFailed},
		{name: "matching type", update: StatusUpdate{NotificationID: rec.NotificationID, Status: models.StatusQueued, NotificationType: models.NotificationTypeEmail}},
		{name: "failure with error", update: StatusUpdate{NotificationID: rec.NotificationID, Status: models.StatusFailed, Error: "mailbox full"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.svc.UpdateStatus(ctx, tt.update)
			if tt.wantCode != "" {
				assertCode(t, err, tt.wantCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.update.Status, got.Status)
			assert.Nil(t, got.UpdatedAt, "updated_at only follows a reported timestamp")
		})
	}

	got, err := env.svc.Get(ctx, rec.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "mailbox full", got.Metadata["error"])
	assert.Equal(t, "spring", got.Metadata["campaign"])
	assert.NotContains(t, in.Metadata, "error")
}

func TestUpdateStatus_RepeatedUpdateIsNoOp(t *testing.T) {
	env := createTestService(t, nil, nil)
	ctx := context.Background()
	rec, err := env.svc.Create(ctx, emailInput("r1"), "")
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sentCounter := metrics.StatusUpdates.WithLabelValues(string(models.StatusSent))
	before := testutil.ToFloat64(sentCounter)

	first, err := env.svc.UpdateStatus(ctx, StatusUpdate{NotificationID: rec.NotificationID, Status: models.StatusSent, Timestamp: &ts})
	require.NoError(t, err)
	require.NotNil(t, first.UpdatedAt)

	tests := []struct {
		name   string
		update StatusUpdate
	}{
		{name: "same status without timestamp", update: StatusUpdate{NotificationID: rec.NotificationID, Status: models.StatusSent}},
		{name: "same status and timestamp", update: StatusUpdate{NotificationID: rec.NotificationID, Status: models.StatusSent, Timestamp: &ts}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.svc.UpdateStatus(ctx, tt.update)
			require.NoError(t, err)
			assert.Equal(t, models.StatusSent, got.Status)
			require.NotNil(t, got.UpdatedAt)
			assert.True(t, ts.Equal(*got.UpdatedAt))
		})
	}

	assert.Equal(t, before+1, testutil.ToFloat64(sentCounter))
}

func TestUpdateStatus_WithoutTimestampKeepsUpdatedAt(t *testing.T) {
	env := createTestService(t, nil, nil)
	ctx := context.Background()
	rec, err := env.svc.Create(ctx, emailInput("r1"), "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got, err := env.svc.UpdateStatus(ctx, StatusUpdate{NotificationID: rec.NotificationID, Status: models.StatusSent})
		require.NoError(t, err)
		assert.Nil(t, got.UpdatedAt)
		time.Sleep(5 * time.Millisecond)
	}

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err = env.svc.UpdateStatus(ctx, StatusUpdate{NotificationID: rec.NotificationID, Status: models.StatusDelivered, Timestamp: &ts})
	require.NoError(t, err)
	got, err := env.svc.UpdateStatus(ctx, StatusUpdate{NotificationID: rec.NotificationID, Status: models.StatusFailed, Error: "bounced"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "bounced", got.Metadata["error"])
	require.NotNil(t, got.UpdatedAt)
	assert.True(t, ts.Equal(*got.UpdatedAt))
}

func TestUpdateStatus_LastWriteWins(t *testing.T) {
	env := createTestService(t, nil, nil)
	ctx := context.Background()
	rec, err := env.svc.Create(ctx, emailInput("r1"), "")
	require.NoError(t, err)

	for _, s := range []models.NotificationStatus{models.StatusDelivered, models.StatusSent} {
		_, err := env.svc.UpdateStatus(ctx, StatusUpdate{NotificationID: rec.NotificationID, Status: s})
		require.NoError(t, err)
	}
	got, err := env.svc.Get(ctx, rec.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
}

func TestUpdateStatus_EnforceOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceStatusOrder = true
	env := createTestService(t, cfg, nil)
	ctx := context.Background()
	rec, err := env.svc.Create(ctx, emailInput("r1"), "")
	require.NoError(t, err)

	steps := []struct {
		status models.NotificationStatus
		want   models.NotificationStatus
	}{
		{models.StatusSent, models.StatusSent},
		{models.StatusQueued, models.StatusSent},
		{models.StatusSent, models.StatusSent},
		{models.StatusDelivered, models.StatusDelivered},
		{models.StatusFailed, models.StatusDelivered},
	}
	for _, step := range steps {
		got, err := env.svc.UpdateStatus(ctx, StatusUpdate{NotificationID: rec.NotificationID, Status: step.status})
		require.NoError(t, err)
		assert.Equal(t, step.want, got.Status, "after %s", step.status)
	}
}

func TestUpdateStatus_Concurrent(t *testing.T) {
	env := createTestService(t, nil, nil)
	ctx := context.Background()
	rec, err := env.svc.Create(ctx, emailInput("r1"), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.svc.UpdateStatus(ctx, StatusUpdate{
				NotificationID: rec.NotificationID,
				Status:         models.StatusFailed,
				Error:          fmt.Sprintf("attempt %d", i),
			})
			assert.NoError(t, err)
			_, _ = env.svc.Get(ctx, rec.NotificationID)
		}(i)
	}
	wg.Wait()

	got, err := env.svc.Get(ctx, rec.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Metadata["error"], "attempt")
}

func TestGet(t *testing.T) {
	env := createTestService(t, nil, nil)
	ctx := context.Background()

	_, err := env.svc.Get(ctx, "missing")
	assertCode(t, err, apperrors.ErrCodeNotificationNotFound)
	assert.Equal(t, 404, apperrors.HTTPStatus(err))

	rec, err := env.svc.Create(ctx, emailInput("r1"), "")
	require.NoError(t, err)

	got, err := env.svc.Get(ctx, rec.NotificationID)
	require.NoError(t, err)
	got.Metadata["tampered"] = true
	got.Status = models.StatusDelivered

	again, err := env.svc.Get(ctx, rec.NotificationID)
	require.NoError(t, err)
	assert.NotContains(t, again.Metadata, "tampered")
	assert.Equal(t, models.StatusPending, again.Status)
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := NewService(nil, Dependencies{})
	assert.Error(t, err)
}
