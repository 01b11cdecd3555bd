package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/tokenledger/internal/ledger"
	"github.com/veyra/tokenledger/internal/metrics"
	"github.com/veyra/tokenledger/internal/store"
	"github.com/veyra/tokenledger/internal/store/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	st := memory.New()
	engine := ledger.NewEngine(st, zerolog.Nop())
	h := NewHandler(engine, st, nil, zerolog.Nop())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func seedUser(t *testing.T, st *memory.Store, userID string, balance int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateApp(ctx, &store.App{ID: "app_1", Name: "Test App", CreatedAt: time.Now().UTC()}))
	require.NoError(t, st.CreateAppUser(ctx, &store.AppUser{
		ID: userID, AppID: "app_1", ExternalID: "ext_" + userID, IsActive: true,
	}))
	if balance > 0 {
		_, err := st.ApplyEntry(ctx, userID, func(u *store.AppUser) (*store.LedgerEntry, error) {
			u.TokenBalance += balance
			return &store.LedgerEntry{
				ID: "seed_" + userID, AppUserID: userID, Amount: balance,
				BalanceAfter: balance, Type: store.EntryGrant, CreatedAt: time.Now().UTC(),
			}, nil
		})
		require.NoError(t, err)
	}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGrantEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seedUser(t, st, "usr_1", 0)

	resp := postJSON(t, srv.URL+"/v1/tokens/grant", map[string]interface{}{
		"user_id": "usr_1",
		"amount":  100,
		"reason":  "promo",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(100), body["balance"])
	assert.NotEmpty(t, body["transaction_id"])
}

func TestGrantEndpointInvalidAmount(t *testing.T) {
	srv, st := newTestServer(t)
	seedUser(t, st, "usr_1", 0)

	resp := postJSON(t, srv.URL+"/v1/tokens/grant", map[string]interface{}{
		"user_id": "usr_1",
		"amount":  -5,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReserveEndpointInsufficientTokens(t *testing.T) {
	srv, st := newTestServer(t)
	seedUser(t, st, "usr_1", 20)

	resp := postJSON(t, srv.URL+"/v1/tokens/reserve", map[string]interface{}{
		"user_id": "usr_1",
		"amount":  30,
		"job_id":  "job_1",
	})
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "INSUFFICIENT_TOKENS", body["error"])
	assert.Equal(t, float64(20), body["balance"])
}

func TestReserveEndpointSuccess(t *testing.T) {
	srv, st := newTestServer(t)
	seedUser(t, st, "usr_1", 100)

	resp := postJSON(t, srv.URL+"/v1/tokens/reserve", map[string]interface{}{
		"user_id": "usr_1",
		"amount":  60,
		"job_id":  "job_1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, float64(40), body["balance"])
}

func TestRefundEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seedUser(t, st, "usr_1", 100)

	resp := postJSON(t, srv.URL+"/v1/tokens/reserve", map[string]interface{}{
		"user_id": "usr_1", "amount": 60, "job_id": "job_1",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/tokens/refund", map[string]interface{}{
		"user_id": "usr_1", "amount": 60, "job_id": "job_1", "description": "failed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, float64(100), body["balance"])
}

func TestBalanceEndpointUnknownUser(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/balance/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBalanceEndpointAppliesDailyGrant(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.CreateApp(ctx, &store.App{
		ID: "app_daily", Name: "Daily App", DailyTokenGrant: 20, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.CreateAppUser(ctx, &store.AppUser{
		ID: "usr_1", AppID: "app_daily", ExternalID: "ext_1", IsActive: true,
	}))

	resp, err := http.Get(srv.URL + "/v1/balance/usr_1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, float64(20), body["effective_balance"])
	assert.NotEmpty(t, body["next_daily_grant_at"])
}

func TestRegisterUserEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.CreateApp(ctx, &store.App{
		ID: "app_1", Name: "Test App", DefaultTokenGrant: 50, CreatedAt: time.Now().UTC(),
	}))

	resp := postJSON(t, srv.URL+"/v1/users", map[string]interface{}{
		"app_id":      "app_1",
		"external_id": "discord:42",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, float64(50), body["token_balance"])
	assert.NotEmpty(t, body["user_id"])
}

func TestEntriesEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seedUser(t, st, "usr_1", 100)

	resp, err := http.Get(srv.URL + "/v1/entries/usr_1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	entries, ok := body["entries"].([]interface{})
	require.True(t, ok)
	assert.Len(t, entries, 1)
}

// Every balance-mutating or balance-reading endpoint records its duration
// under its own operation label.
func TestOperationDurationsRecorded(t *testing.T) {
	st := memory.New()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	engine := ledger.NewEngine(st, zerolog.Nop(), ledger.WithMetrics(collector))
	h := NewHandler(engine, st, collector, zerolog.Nop())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	seedUser(t, st, "usr_1", 100)

	resp := postJSON(t, srv.URL+"/v1/tokens/grant", map[string]interface{}{
		"user_id": "usr_1", "amount": 10,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/tokens/reserve", map[string]interface{}{
		"user_id": "usr_1", "amount": 30, "job_id": "job_1",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/tokens/refund", map[string]interface{}{
		"user_id": "usr_1", "amount": 30, "job_id": "job_1",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/v1/balance/usr_1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	families, err := reg.Gather()
	require.NoError(t, err)

	observed := map[string]bool{}
	for _, mf := range families {
		if mf.GetName() != "ledger_operation_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "operation" {
					observed[lp.GetValue()] = true
				}
			}
		}
	}
	for _, op := range []string{"grant", "reserve", "refund", "balance"} {
		assert.True(t, observed[op], "missing duration sample for %s", op)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/tokens/grant")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
