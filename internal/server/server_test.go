package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowchan/internal/cogs"
	"escrowchan/internal/config"
	"escrowchan/internal/escrow"
	"escrowchan/internal/idempotency"
)

const testSecret = "test-secret"

var (
	testSender    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testGroupID   = [32]byte{1, 2, 3, 4}
)

func newTestServer(t *testing.T) (*Server, *escrow.FakeLedger) {
	t.Helper()
	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HTTPPort:          0,
			HMACSecret:        testSecret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
	}
	ledger := escrow.NewFakeLedger()
	account := escrow.NewFakeAccount(ledger, testSender)
	client := escrow.NewClient(ledger)
	srv := NewServer(cfg, client, account, idempotency.NewMemoryStore())
	return srv, ledger
}

func signedRequest(method, path string, body []byte, idemKey string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Signature", computeSignatureForTest(testSecret, ts, body))
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}
	return req
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func groupIDParam() string {
	return base64.StdEncoding.EncodeToString(testGroupID[:])
}

func openChannelBody(t *testing.T, amount, expiration, source string) []byte {
	t.Helper()
	b, err := json.Marshal(openChannelRequest{
		Recipient:  testRecipient.Hex(),
		GroupID:    groupIDParam(),
		Amount:     amount,
		Expiration: expiration,
		Source:     source,
	})
	if err != nil {
		t.Fatalf("marshal open request: %v", err)
	}
	return b
}

func TestOpenChannelIdempotency(t *testing.T) {
	srv, ledger := newTestServer(t)
	ledger.SetWalletBalance(testSender, cogs.New(1000))

	body := openChannelBody(t, "500", "777", "")

	rec := serve(srv, signedRequest(http.MethodPost, "/api/v1/channels", body, "key-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	first := rec.Body.Bytes()

	rec2 := serve(srv, signedRequest(http.MethodPost, "/api/v1/channels", body, "key-1"))
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected cached 201 got %d", rec2.Code)
	}
	if !bytes.Equal(first, rec2.Body.Bytes()) {
		t.Fatalf("expected same response body on idempotent request")
	}

	opens := 0
	for _, call := range ledger.Calls() {
		if call.Op == "depositAndOpenChannel" {
			opens++
		}
	}
	if opens != 1 {
		t.Fatalf("expected exactly one open submitted, got %d", opens)
	}
}

func TestOpenChannelRejectsUnsignedRequest(t *testing.T) {
	srv, ledger := newTestServer(t)
	ledger.SetWalletBalance(testSender, cogs.New(1000))

	body := openChannelBody(t, "500", "777", "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/channels", bytes.NewReader(body))
	req.Header.Set("X-Idempotency-Key", "key-1")

	rec := serve(srv, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if len(ledger.Calls()) != 0 {
		t.Fatalf("expected no ledger mutation, got %v", ledger.Calls())
	}
}

func TestOpenChannelRequiresIdempotencyKey(t *testing.T) {
	srv, _ := newTestServer(t)

	body := openChannelBody(t, "500", "777", "")
	rec := serve(srv, signedRequest(http.MethodPost, "/api/v1/channels", body, ""))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestOpenChannelRejectsBadGroupID(t *testing.T) {
	srv, _ := newTestServer(t)

	b, _ := json.Marshal(openChannelRequest{
		Recipient:  testRecipient.Hex(),
		GroupID:    "not-base64!",
		Amount:     "500",
		Expiration: "777",
	})
	rec := serve(srv, signedRequest(http.MethodPost, "/api/v1/channels", b, "key-bad"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWithdrawBeyondBalance(t *testing.T) {
	srv, _ := newTestServer(t)

	b, _ := json.Marshal(depositRequest{Amount: "100"})
	rec := serve(srv, signedRequest(http.MethodPost, "/api/v1/escrow/withdraw", b, "key-w"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestExtendBelowCurrentExpirationConflicts(t *testing.T) {
	srv, ledger := newTestServer(t)
	ledger.SetEscrowBalance(testSender, cogs.New(500))

	body := openChannelBody(t, "500", "777", "escrow")
	rec := serve(srv, signedRequest(http.MethodPost, "/api/v1/channels", body, "key-open"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("open failed: %d %s", rec.Code, rec.Body.String())
	}

	b, _ := json.Marshal(extendRequest{Expiration: "500"})
	rec2 := serve(srv, signedRequest(http.MethodPost, "/api/v1/channels/0/extend", b, "key-ext"))
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d: %s", rec2.Code, rec2.Body.String())
	}
}

func TestAddFundsThenGetChannel(t *testing.T) {
	srv, ledger := newTestServer(t)
	ledger.SetWalletBalance(testSender, cogs.New(2000))

	body := openChannelBody(t, "500", "777", "")
	if rec := serve(srv, signedRequest(http.MethodPost, "/api/v1/channels", body, "key-open")); rec.Code != http.StatusCreated {
		t.Fatalf("open failed: %d %s", rec.Code, rec.Body.String())
	}

	b, _ := json.Marshal(addFundsRequest{Amount: "300"})
	if rec := serve(srv, signedRequest(http.MethodPost, "/api/v1/channels/0/funds", b, "key-funds")); rec.Code != http.StatusOK {
		t.Fatalf("add funds failed: %d %s", rec.Code, rec.Body.String())
	}

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/channels/0", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get channel failed: %d %s", rec.Code, rec.Body.String())
	}
	var got channelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode channel: %v", err)
	}
	if got.Value != "800" {
		t.Fatalf("expected value 800 after top-up, got %s", got.Value)
	}
	if got.Status != string(escrow.ChannelOpenStatus) {
		t.Fatalf("expected open status, got %s", got.Status)
	}
}

func TestListChannelsDiscovery(t *testing.T) {
	srv, ledger := newTestServer(t)
	ledger.SetWalletBalance(testSender, cogs.New(5000))

	for i, key := range []string{"key-a", "key-b"} {
		body := openChannelBody(t, "100", strconv.Itoa(700+i), "")
		if rec := serve(srv, signedRequest(http.MethodPost, "/api/v1/channels", body, key)); rec.Code != http.StatusCreated {
			t.Fatalf("open %d failed: %d %s", i, rec.Code, rec.Body.String())
		}
	}

	path := "/api/v1/channels?recipient=" + testRecipient.Hex() + "&groupId=" + groupIDParam()
	rec := serve(srv, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d %s", rec.Code, rec.Body.String())
	}

	var got struct {
		Channels []channelResponse `json:"channels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(got.Channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(got.Channels))
	}
	if got.Channels[0].ChannelID != "0" || got.Channels[1].ChannelID != "1" {
		t.Fatalf("unexpected channel ids: %+v", got.Channels)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	srv, ledger := newTestServer(t)
	ledger.SetEscrowBalance(testSender, cogs.New(250))

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/balance/"+testSender.Hex(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("balance failed: %d %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if got.Balance != "250" {
		t.Fatalf("expected balance 250, got %s", got.Balance)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if got.Status != "healthy" {
		t.Fatalf("expected healthy, got %s", got.Status)
	}
}

func computeSignatureForTest(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
