package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	snowrail "github.com/Colombia-Blockchain/snowrail-core"
	"github.com/Colombia-Blockchain/snowrail-core/authorization"
	"github.com/Colombia-Blockchain/snowrail-core/types"
)

type fakeService struct {
	validate     func(url string, amount int64) (*types.ValidationResult, error)
	createIntent func(req snowrail.IntentRequest) (*types.PaymentIntent, *types.ValidationResult, error)
	confirm      func(id, sig string) (*types.Receipt, error)
	status       func(id string) (*types.PaymentStatus, error)
	health       *types.HealthReport
}

func (f *fakeService) Validate(_ context.Context, url string, amount int64) (*types.ValidationResult, error) {
	return f.validate(url, amount)
}

func (f *fakeService) CreateIntent(_ context.Context, req snowrail.IntentRequest) (*types.PaymentIntent, *types.ValidationResult, error) {
	return f.createIntent(req)
}

func (f *fakeService) Authorize(context.Context, string) (*authorization.Authorization, error) {
	return nil, types.ErrNotFound
}

func (f *fakeService) Confirm(_ context.Context, id, sig string) (*types.Receipt, error) {
	return f.confirm(id, sig)
}

func (f *fakeService) Intent(context.Context, string) (*types.PaymentIntent, error) {
	return nil, types.NewError(types.ErrCodeNotFound, "intent not found")
}

func (f *fakeService) Status(_ context.Context, id string) (*types.PaymentStatus, error) {
	return f.status(id)
}

func (f *fakeService) Health(context.Context) *types.HealthReport {
	return f.health
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func newTestServer(svc Service, cfg Config) http.Handler {
	return New(svc, cfg, nil).Handler()
}

func TestValidateRejectsBadBody(t *testing.T) {
	h := newTestServer(&fakeService{}, Config{})

	rec := do(t, h, http.MethodPost, "/v1/sentinel/validate", map[string]any{"amount": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.ErrCodeValidation, decodeError(t, rec).Code)
}

func TestBadBodyNamesJSONFields(t *testing.T) {
	h := newTestServer(&fakeService{}, Config{})

	rec := do(t, h, http.MethodPost, "/v1/payments/x402/intent", map[string]any{
		"url": "https://api.stripe.com", "amount": -5, "sender": "0x1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, types.ErrCodeValidation, body.Code)
	assert.Equal(t, "invalid request body: amount: gt, recipient: required", body.Error)
	assert.NotContains(t, body.Error, "intentRequest")
	assert.NotContains(t, body.Error, "Key:")

	rec = do(t, h, http.MethodPost, "/v1/payments/x402/intent", map[string]any{
		"url": "https://api.stripe.com", "amount": "ten", "sender": "0x1", "recipient": "0x2",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body = decodeError(t, rec)
	assert.Equal(t, "invalid request body: amount: expected number", body.Error)
	assert.NotContains(t, body.Error, "int64")
}

func TestDomainErrorsKeepTheirStatus(t *testing.T) {
	validation := &types.ValidationResult{ID: "v-1", CanPay: false, BlockedReasons: []string{"domain evil.xyz is blacklisted"}}
	svc := &fakeService{
		createIntent: func(snowrail.IntentRequest) (*types.PaymentIntent, *types.ValidationResult, error) {
			return nil, validation, &types.Error{Code: types.ErrCodeRiskBlocked, Message: "payment blocked", Data: validation}
		},
	}
	h := newTestServer(svc, Config{})

	rec := do(t, h, http.MethodPost, "/v1/payments/x402/intent", map[string]any{
		"url": "https://evil.xyz", "amount": 5, "sender": "0x1", "recipient": "0x2",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, types.ErrCodeRiskBlocked, body.Code)
	assert.NotNil(t, body.Data)
}

func TestUnknownErrorsAreGeneric(t *testing.T) {
	svc := &fakeService{
		validate: func(string, int64) (*types.ValidationResult, error) {
			return nil, errors.New("dial tcp 10.0.0.5:6379: connection refused")
		},
	}
	h := newTestServer(svc, Config{})

	rec := do(t, h, http.MethodPost, "/v1/sentinel/validate", map[string]any{"url": "https://stripe.com", "amount": 1})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, internalMessage, body.Error)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestConfirmInProgressIsAccepted(t *testing.T) {
	svc := &fakeService{
		confirm: func(id, _ string) (*types.Receipt, error) {
			return nil, types.WrapError(types.ErrCodeInProgress, types.ErrInProgress, "settlement of intent %s is in progress", id)
		},
	}
	h := newTestServer(svc, Config{})

	rec := do(t, h, http.MethodPost, "/v1/payments/x402/confirm", map[string]any{"intentId": "abc", "signature": "0x00"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var body pendingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc", body.IntentID)
	assert.Equal(t, types.StatusConfirming, body.Status)
	assert.Equal(t, types.ErrCodeInProgress, body.Code)
}

func TestStatusNotFound(t *testing.T) {
	svc := &fakeService{
		status: func(id string) (*types.PaymentStatus, error) {
			return nil, types.WrapError(types.ErrCodeNotFound, types.ErrNotFound, "intent %s not found", id)
		},
	}
	h := newTestServer(svc, Config{})

	rec := do(t, h, http.MethodGet, "/v1/payments/x402/status/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, types.ErrCodeNotFound, decodeError(t, rec).Code)
}

func TestHealthReportsUnavailable(t *testing.T) {
	svc := &fakeService{health: &types.HealthReport{Status: types.HealthDown, Timestamp: time.Now()}}
	h := newTestServer(svc, Config{})

	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPanicsAreRecovered(t *testing.T) {
	svc := &fakeService{
		validate: func(string, int64) (*types.ValidationResult, error) { panic("boom") },
	}
	h := newTestServer(svc, Config{})

	rec := do(t, h, http.MethodPost, "/v1/sentinel/validate", map[string]any{"url": "https://stripe.com", "amount": 1})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, types.ErrCodeInternal, decodeError(t, rec).Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	svc := &fakeService{health: &types.HealthReport{Status: types.HealthOK}}
	h := newTestServer(svc, Config{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))

	rec = do(t, h, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestRateLimit(t *testing.T) {
	svc := &fakeService{health: &types.HealthReport{Status: types.HealthOK}}
	s := New(svc, Config{RateLimitRPS: 1, RateLimitBurst: 2}, nil)
	defer s.Close()

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = do(t, s.Handler(), http.MethodGet, "/health", nil).Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestUnknownRoute(t *testing.T) {
	h := newTestServer(&fakeService{}, Config{})
	rec := do(t, h, http.MethodGet, "/v2/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("snowrail_up 1\n"))
	})
	h := newTestServer(&fakeService{}, Config{Metrics: metrics})

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "snowrail_up")
}
