package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/db"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/engine"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/metrics"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	eng := engine.New(db.NewMemory(), zap.NewNop(), metrics.New(prometheus.NewRegistry()))
	require.NoError(t, eng.Bootstrap(context.Background()))
	return New(eng, zap.NewNop())
}

// do runs one request through the full middleware chain.
func do(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, authScheme+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

func registerVia(t *testing.T, s *Server, path, name string) models.UserOut {
	t.Helper()
	rec := do(t, s, http.MethodPost, path, "", map[string]string{"name": name})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var u models.UserOut
	decodeJSON(t, rec, &u)
	return u
}

func registerTrader(t *testing.T, s *Server, name string) models.UserOut {
	return registerVia(t, s, "/api/v1/public/register", name)
}

func registerAdmin(t *testing.T, s *Server) models.UserOut {
	return registerVia(t, s, "/api/v1/public/register-admin", "admin person")
}

func depositVia(t *testing.T, s *Server, adminKey, userID, ticker string, amount int64) {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/admin/balance/deposit", adminKey, map[string]any{
		"user_id": userID, "ticker": ticker, "amount": amount,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func createInstrumentVia(t *testing.T, s *Server, adminKey, ticker string) {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/admin/instrument", adminKey, map[string]string{
		"ticker": ticker, "name": ticker + " shares",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func balancesVia(t *testing.T, s *Server, token string) map[string]int64 {
	t.Helper()
	rec := do(t, s, http.MethodGet, "/api/v1/balance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := map[string]int64{}
	decodeJSON(t, rec, &out)
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegister(t *testing.T) {
	s := newTestServer(t)

	u := registerTrader(t, s, "happy trader")
	assert.Equal(t, models.RoleUser, u.Role)
	assert.NotEmpty(t, u.ID)
	assert.Contains(t, u.APIKey, "toy_")

	a := registerAdmin(t, s)
	assert.Equal(t, models.RoleAdmin, a.Role)

	// Validation failures come back as 400 with a detail.
	rec := do(t, s, http.MethodPost, "/api/v1/public/register", "", map[string]string{"name": "ab"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	decodeJSON(t, rec, &body)
	assert.NotEmpty(t, body.Detail)

	rec = do(t, s, http.MethodPost, "/api/v1/public/register", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)
	u := registerTrader(t, s, "auth trader")

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Bearer " + u.APIKey},
		{"lowercase scheme", "token " + u.APIKey},
		{"unknown key", authScheme + "toy_nope_nope_nope_no"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
			if tc.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tc.header)
			}
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, s, http.MethodGet, "/api/v1/users/me", u.APIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me models.UserOut
	decodeJSON(t, rec, &me)
	assert.Equal(t, u.ID, me.ID)

	// Second hit is served from the key cache.
	rec = do(t, s, http.MethodGet, "/api/v1/users/me", u.APIKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminOnlyRoutes(t *testing.T) {
	s := newTestServer(t)
	u := registerTrader(t, s, "plain trader")

	rec := do(t, s, http.MethodPost, "/api/v1/admin/instrument", u.APIKey, map[string]string{
		"ticker": "WWZZ", "name": "test shares",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	admin := registerAdmin(t, s)
	createInstrumentVia(t, s, admin.APIKey, "WWZZ")
}

func TestFullTradeFlow(t *testing.T) {
	s := newTestServer(t)
	admin := registerAdmin(t, s)
	seller := registerTrader(t, s, "seller person")
	buyer := registerTrader(t, s, "buyer person")

	createInstrumentVia(t, s, admin.APIKey, "WWZZ")
	depositVia(t, s, admin.APIKey, seller.ID, "WWZZ", 10)
	depositVia(t, s, admin.APIKey, buyer.ID, models.TickerRUB, 1000)

	// Directory lists the new instrument next to the settlement currency.
	rec := do(t, s, http.MethodGet, "/api/v1/public/instrument", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var instruments []models.InstrumentOut
	decodeJSON(t, rec, &instruments)
	tickers := map[string]bool{}
	for _, in := range instruments {
		tickers[in.Ticker] = true
	}
	assert.True(t, tickers["WWZZ"] && tickers[models.TickerRUB])

	// Seller rests an ask.
	rec = do(t, s, http.MethodPost, "/api/v1/order", seller.APIKey, map[string]any{
		"direction": "SELL", "ticker": "WWZZ", "qty": 10, "price": 50,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ask models.OrderOut
	decodeJSON(t, rec, &ask)
	assert.Equal(t, models.OrderStatusOpen, ask.Status)
	require.NotNil(t, ask.Price)
	assert.EqualValues(t, 50, *ask.Price)

	rec = do(t, s, http.MethodGet, "/api/v1/public/orderbook/WWZZ", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bookOut models.OrderBookOut
	decodeJSON(t, rec, &bookOut)
	require.Len(t, bookOut.Asks, 1)
	assert.Equal(t, models.BookLevel{Price: 50, Quantity: 10}, bookOut.Asks[0])
	assert.Empty(t, bookOut.Bids)

	// Buyer crosses at a better limit and fills at the maker's 50.
	rec = do(t, s, http.MethodPost, "/api/v1/order", buyer.APIKey, map[string]any{
		"direction": "BUY", "ticker": "WWZZ", "qty": 5, "price": 60,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var buy models.OrderOut
	decodeJSON(t, rec, &buy)
	assert.Equal(t, models.OrderStatusFilled, buy.Status)
	assert.EqualValues(t, 5, buy.FilledQuantity)

	rec = do(t, s, http.MethodGet, "/api/v1/public/transactions/WWZZ", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []models.TransactionOut
	decodeJSON(t, rec, &trades)
	require.Len(t, trades, 1)
	assert.EqualValues(t, 5, trades[0].Amount)
	assert.EqualValues(t, 50, trades[0].Price)

	buyerBal := balancesVia(t, s, buyer.APIKey)
	assert.EqualValues(t, 750, buyerBal[models.TickerRUB])
	assert.EqualValues(t, 5, buyerBal["WWZZ"])
	sellerBal := balancesVia(t, s, seller.APIKey)
	assert.EqualValues(t, 250, sellerBal[models.TickerRUB])
	assert.EqualValues(t, 0, sellerBal["WWZZ"])

	// Order listing and foreign access rules.
	rec = do(t, s, http.MethodGet, "/api/v1/order", buyer.APIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var orders []models.OrderOut
	decodeJSON(t, rec, &orders)
	require.Len(t, orders, 1)
	assert.Equal(t, buy.ID, orders[0].ID)

	rec = do(t, s, http.MethodGet, "/api/v1/order/"+ask.ID, buyer.APIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Cancelling the residual ask frees the unsold 5.
	rec = do(t, s, http.MethodDelete, "/api/v1/order/"+ask.ID, seller.APIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	sellerBal = balancesVia(t, s, seller.APIKey)
	assert.EqualValues(t, 5, sellerBal["WWZZ"])

	// A second cancel is a state error.
	rec = do(t, s, http.MethodDelete, "/api/v1/order/"+ask.ID, seller.APIKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderValidation(t *testing.T) {
	s := newTestServer(t)
	admin := registerAdmin(t, s)
	u := registerTrader(t, s, "careless trader")
	createInstrumentVia(t, s, admin.APIKey, "WWZZ")
	depositVia(t, s, admin.APIKey, u.ID, models.TickerRUB, 1000)

	cases := []struct {
		name string
		body any
		code int
	}{
		{"bad direction", map[string]any{"direction": "HOLD", "ticker": "WWZZ", "qty": 1, "price": 5}, http.StatusBadRequest},
		{"zero qty", map[string]any{"direction": "BUY", "ticker": "WWZZ", "qty": 0, "price": 5}, http.StatusBadRequest},
		{"zero price", map[string]any{"direction": "BUY", "ticker": "WWZZ", "qty": 1, "price": 0}, http.StatusBadRequest},
		{"lowercase ticker", map[string]any{"direction": "BUY", "ticker": "wwzz", "qty": 1, "price": 5}, http.StatusBadRequest},
		{"settlement currency", map[string]any{"direction": "BUY", "ticker": "RUB", "qty": 1, "price": 5}, http.StatusBadRequest},
		{"unknown ticker", map[string]any{"direction": "BUY", "ticker": "NOPE", "qty": 1, "price": 5}, http.StatusNotFound},
		{"not json", "direction=BUY", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/v1/order", u.APIKey, tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			var body errorBody
			decodeJSON(t, rec, &body)
			assert.NotEmpty(t, body.Detail)
		})
	}
}

func TestOrderBookParams(t *testing.T) {
	s := newTestServer(t)
	admin := registerAdmin(t, s)
	createInstrumentVia(t, s, admin.APIKey, "WWZZ")

	rec := do(t, s, http.MethodGet, "/api/v1/public/orderbook/NOPE", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, limit := range []string{"0", "-1", "101", "abc"} {
		rec = do(t, s, http.MethodGet, "/api/v1/public/orderbook/WWZZ?limit="+limit, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/public/orderbook/WWZZ?limit=100", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBalanceOperationValidation(t *testing.T) {
	s := newTestServer(t)
	admin := registerAdmin(t, s)
	u := registerTrader(t, s, "funded trader")

	rec := do(t, s, http.MethodPost, "/api/v1/admin/balance/deposit", admin.APIKey, map[string]any{
		"user_id": u.ID, "ticker": models.TickerRUB, "amount": -5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/admin/balance/deposit", admin.APIKey, map[string]any{
		"user_id": "ghost", "ticker": models.TickerRUB, "amount": 5,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	depositVia(t, s, admin.APIKey, u.ID, models.TickerRUB, 100)
	rec = do(t, s, http.MethodPost, "/api/v1/admin/balance/withdraw", admin.APIKey, map[string]any{
		"user_id": u.ID, "ticker": models.TickerRUB, "amount": 500,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, 100, balancesVia(t, s, u.APIKey)[models.TickerRUB])
}

func TestDeleteUserEvictsCachedKey(t *testing.T) {
	s := newTestServer(t)
	admin := registerAdmin(t, s)
	u := registerTrader(t, s, "doomed trader")

	// Warm the auth cache.
	rec := do(t, s, http.MethodGet, "/api/v1/users/me", u.APIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/v1/admin/user/"+u.ID, admin.APIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var deleted models.UserOut
	decodeJSON(t, rec, &deleted)
	assert.Equal(t, u.ID, deleted.ID)

	// The cached key died with the user.
	rec = do(t, s, http.MethodGet, "/api/v1/users/me", u.APIKey, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDuplicateInstrument(t *testing.T) {
	s := newTestServer(t)
	admin := registerAdmin(t, s)
	createInstrumentVia(t, s, admin.APIKey, "WWZZ")

	rec := do(t, s, http.MethodPost, "/api/v1/admin/instrument", admin.APIKey, map[string]string{
		"ticker": "WWZZ", "name": "again",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarketOrderViaAPI(t *testing.T) {
	s := newTestServer(t)
	admin := registerAdmin(t, s)
	seller := registerTrader(t, s, "seller person")
	buyer := registerTrader(t, s, "buyer person")
	createInstrumentVia(t, s, admin.APIKey, "WWZZ")
	depositVia(t, s, admin.APIKey, seller.ID, "WWZZ", 10)
	depositVia(t, s, admin.APIKey, buyer.ID, models.TickerRUB, 500)

	rec := do(t, s, http.MethodPost, "/api/v1/order", seller.APIKey, map[string]any{
		"direction": "SELL", "ticker": "WWZZ", "qty": 10, "price": 100,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// No price field makes it a market order; it fills what 500 buys.
	rec = do(t, s, http.MethodPost, "/api/v1/order", buyer.APIKey, map[string]any{
		"direction": "BUY", "ticker": "WWZZ", "qty": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var buy models.OrderOut
	decodeJSON(t, rec, &buy)
	assert.Equal(t, models.OrderStatusPartiallyFilled, buy.Status)
	assert.EqualValues(t, 5, buy.FilledQuantity)
	assert.Nil(t, buy.Price)

	bal := balancesVia(t, s, buyer.APIKey)
	assert.EqualValues(t, 0, bal[models.TickerRUB])
	assert.EqualValues(t, 5, bal["WWZZ"])
}
