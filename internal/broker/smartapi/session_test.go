package smartapi

import (
	"context"
	"copybot/internal/broker"
	"copybot/internal/logger"
	"copybot/internal/models"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func testAccount() models.AccountDescriptor {
	return models.AccountDescriptor{
		Name:       "Master",
		Role:       models.RoleMaster,
		ClientID:   "C123",
		APIKey:     "key",
		Password:   "1234",
		TOTPSecret: testSecret,
		SecretKey:  "secret",
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)
	return token
}

func newTestServer(t *testing.T, mux *http.ServeMux) *Provider {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(srv.URL, logger.Discard())
}

func loginHandler(t *testing.T, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "C123", body["clientcode"])
		assert.Len(t, body["totp"], 6)
		assert.Equal(t, "key", r.Header.Get("X-PrivateKey"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "SUCCESS",
			"data":    map[string]string{"jwtToken": "Bearer " + token, "refreshToken": "r", "feedToken": "f"},
		})
	}
}

func TestOpenAndListOrders(t *testing.T) {
	exp := time.Now().Add(6 * time.Hour).Truncate(time.Second)
	token := signedToken(t, exp)

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, token))
	mux.HandleFunc(orderBookPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+token, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"status":true,"message":"SUCCESS","errorcode":"","data":[
			{"orderid":"X1","tradingsymbol":"NIFTY","symboltoken":"26000","exchange":"NFO","transactiontype":"BUY",
			 "ordertype":"MARKET","producttype":"INTRADAY","variety":"NORMAL","duration":"DAY",
			 "price":0,"triggerprice":"0","quantity":"50","status":"complete"},
			{"orderid":"X2","tradingsymbol":"BANKNIFTY","transactiontype":"SELL","ordertype":"LIMIT",
			 "price":"48120.55","quantity":15,"status":"open"}
		]}`))
	})

	p := newTestServer(t, mux)
	s, err := p.Open(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, exp.Unix(), s.(*Session).ExpiresAt().Unix())

	orders, err := s.ListOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, "X1", orders[0].OrderID)
	assert.Equal(t, 50, orders[0].Quantity)
	assert.Equal(t, models.OrderTypeMarket, orders[0].OrderType)
	assert.True(t, orders[0].Price.IsZero())
	assert.Equal(t, "complete", orders[0].Status)

	assert.Equal(t, 15, orders[1].Quantity)
	assert.True(t, decimal.RequireFromString("48120.55").Equal(orders[1].Price))
}

func TestListOrdersNullData(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, signedToken(t, time.Now().Add(time.Hour))))
	mux.HandleFunc(orderBookPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":true,"message":"SUCCESS","data":null}`))
	})

	p := newTestServer(t, mux)
	s, err := p.Open(context.Background(), testAccount())
	require.NoError(t, err)

	orders, err := s.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlaceOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, signedToken(t, time.Now().Add(time.Hour))))
	mux.HandleFunc(placeOrderPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "NIFTY", body["tradingsymbol"])
		assert.Equal(t, "25", body["quantity"])
		assert.Equal(t, "101.5", body["price"])
		assert.Equal(t, "NORMAL", body["variety"])
		_, hasTrigger := body["triggerprice"]
		assert.False(t, hasTrigger)
		_, _ = w.Write([]byte(`{"status":true,"message":"SUCCESS","data":{"orderid":"F-1","uniqueorderid":"u"}}`))
	})

	p := newTestServer(t, mux)
	s, err := p.Open(context.Background(), testAccount())
	require.NoError(t, err)

	id, err := s.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol:          "NIFTY",
		TransactionType: models.TransactionBuy,
		OrderType:       models.OrderTypeLimit,
		Variety:         "NORMAL",
		Duration:        "DAY",
		Quantity:        25,
		Price:           decimal.RequireFromString("101.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "F-1", id)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		payload string
		want    error
	}{
		{"http 429", http.StatusTooManyRequests, `rate`, broker.ErrRateLimited},
		{"access rate text", http.StatusForbidden, `Access denied because of exceeding access rate`, broker.ErrRateLimited},
		{"invalid credentials", http.StatusOK, `{"status":false,"message":"Invalid clientcode or password","errorcode":"AB1007","data":null}`, broker.ErrAuth},
		{"unauthorized", http.StatusUnauthorized, `{"status":false,"message":"Invalid Token","errorcode":"AG8001"}`, broker.ErrAuth},
		{"server error", http.StatusBadGateway, `bad gateway`, broker.ErrNetwork},
		{"rejected", http.StatusOK, `{"status":false,"message":"Insufficient funds","errorcode":"AB4036"}`, broker.ErrRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.payload))
			})
			p := newTestServer(t, mux)

			_, err := p.Open(context.Background(), testAccount())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestErrorKindRejectionMentioningDigits(t *testing.T) {
	assert.Equal(t, broker.KindRejected, errorKind(http.StatusBadRequest, "AB4008", "Order price 24290 is outside the circuit limit"))
	assert.Equal(t, broker.KindRejected, errorKind(http.StatusOK, "AB4008", "status 429 in NIFTY24D1224290CE"))
	assert.Equal(t, broker.KindRejected, errorKind(http.StatusOK, "", "Order price 24290 is outside the circuit limit"))
	assert.Equal(t, broker.KindRateLimited, errorKind(http.StatusTooManyRequests, "AB4008", "price 24290"))
	assert.Equal(t, broker.KindRateLimited, errorKind(http.StatusOK, "", "status 429"))
	assert.Equal(t, broker.KindRateLimited, errorKind(http.StatusForbidden, "", "Access denied because of exceeding access rate"))
	assert.Equal(t, broker.KindAuth, errorKind(http.StatusOK, "AB1007", "Invalid clientcode or password"))
}

func TestPlaceOrderRejectionIsNotRetried(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, signedToken(t, time.Now().Add(time.Hour))))
	mux.HandleFunc(placeOrderPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":false,"message":"Order price 24290 is outside the circuit limit","errorcode":"AB4008","data":null}`))
	})
	p := newTestServer(t, mux)

	sess, err := p.Open(context.Background(), testAccount())
	require.NoError(t, err)
	_, err = sess.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "NIFTY24D1224290CE", Quantity: 50})
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrRejected)
	assert.Equal(t, broker.KindRejected, broker.Classify(err))
}

func TestOpenRejectsBadTOTPSecret(t *testing.T) {
	p := New("http://127.0.0.1:0", logger.Discard())
	acc := testAccount()
	acc.TOTPSecret = "not base32 !!"

	_, err := p.Open(context.Background(), acc)
	assert.ErrorIs(t, err, broker.ErrAuth)
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := New(url, logger.Discard())
	_, err := p.Open(context.Background(), testAccount())
	assert.ErrorIs(t, err, broker.ErrNetwork)
}

func TestTokenExpiryIgnoresGarbage(t *testing.T) {
	assert.True(t, tokenExpiry("not-a-jwt").IsZero())
}
