package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowchan/internal/cogs"
	"escrowchan/internal/config"
	"escrowchan/internal/escrow"
	"escrowchan/internal/hmacauth"
	"escrowchan/internal/idempotency"
)

// ChannelService is the escrow surface the API consumes. *escrow.Client
// satisfies it; tests substitute a stub.
type ChannelService interface {
	Balance(ctx context.Context, addr common.Address) (cogs.Amount, error)
	Deposit(ctx context.Context, account escrow.Account, amount cogs.Amount) (*types.Receipt, error)
	Withdraw(ctx context.Context, account escrow.Account, amount cogs.Amount) (*types.Receipt, error)
	OpenChannel(ctx context.Context, account escrow.Account, group escrow.ServiceGroup, amount, expiry cogs.Amount) (*types.Receipt, error)
	DepositAndOpenChannel(ctx context.Context, account escrow.Account, group escrow.ServiceGroup, amount, expiry cogs.Amount) (*types.Receipt, error)
	ChannelAddFunds(ctx context.Context, account escrow.Account, channelID, amount cogs.Amount) (*types.Receipt, error)
	ChannelExtend(ctx context.Context, account escrow.Account, channelID, expiry cogs.Amount) (*types.Receipt, error)
	ChannelExtendAndAddFunds(ctx context.Context, account escrow.Account, channelID, expiry, amount cogs.Amount) (*types.Receipt, error)
	ChannelClaimTimeout(ctx context.Context, account escrow.Account, channelID cogs.Amount) (*types.Receipt, error)
	Channels(ctx context.Context, channelID cogs.Amount) (escrow.ChannelState, error)
	GetPastOpenChannels(ctx context.Context, account escrow.Account, group escrow.ServiceGroup, fromBlock *uint64) ([]*escrow.PaymentChannel, error)
	CurrentBlock(ctx context.Context) (uint64, error)
}

type Server struct {
	cfg         *config.AppConfig
	svc         ChannelService
	account     escrow.Account
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, svc ChannelService, account escrow.Account, store idempotency.Store) *Server {
	hmacVerifier := &hmacauth.Verifier{
		Secret:  cfg.Service.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:     cfg,
		svc:     svc,
		account: account,
		store:   store,
		hmac:    hmacVerifier,
		metrics: metrics,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := svc.(interface{ Ping(context.Context) error }); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()

	auth := s.hmac.Middleware
	mux.Handle("POST /api/v1/escrow/deposit", auth(s.idempotent("deposit", s.handleDeposit)))
	mux.Handle("POST /api/v1/escrow/withdraw", auth(s.idempotent("withdraw", s.handleWithdraw)))
	mux.Handle("POST /api/v1/channels", auth(s.idempotent("open-channel", s.handleOpenChannel)))
	mux.Handle("POST /api/v1/channels/{id}/funds", auth(s.idempotent("add-funds", s.handleAddFunds)))
	mux.Handle("POST /api/v1/channels/{id}/extend", auth(s.idempotent("extend", s.handleExtend)))
	mux.Handle("POST /api/v1/channels/{id}/claim", auth(s.idempotent("claim-timeout", s.handleClaimTimeout)))

	mux.HandleFunc("GET /api/v1/channels", s.handleListChannels)
	mux.HandleFunc("GET /api/v1/channels/{id}", s.handleGetChannel)
	mux.HandleFunc("GET /api/v1/balance/{address}", s.handleBalance)
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// opHandler runs one mutating operation and returns the status code plus the
// JSON body to record and send.
type opHandler func(r *http.Request) (int, []byte, error)

// idempotent wraps a mutating handler with the X-Idempotency-Key protocol.
// A key seen within the window gets the recorded response back without
// submitting a second irrevocable ledger transaction.
func (s *Server) idempotent(operation string, next opHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
		if key == "" {
			http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
			return
		}
		ctx := r.Context()

		if existing, _ := s.store.Get(ctx, key); existing != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			s.metrics.incReplay()
			s.metrics.incOp(operation, "cached")
			return
		}

		status, body, err := next(r)
		if err != nil {
			s.metrics.incOp(operation, "failed")
			http.Error(w, fmt.Sprintf("%s: %v", operation, err), httpStatusFor(err))
			return
		}

		record := idempotency.Record{
			Operation:  operation,
			StatusCode: status,
			Response:   body,
			CreatedAt:  time.Now(),
			ExpiresAt:  time.Now().Add(s.cfg.Service.IdempotencyWindow),
		}
		_ = s.store.Save(ctx, key, record)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
		s.metrics.incOp(operation, "ok")
	})
}

// httpStatusFor maps the escrow error kinds onto response codes. Anything
// unclassified is treated as an upstream ledger failure.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrInsufficientFunds), errors.Is(err, escrow.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrChannelPrecondition):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

type depositRequest struct {
	Amount string `json:"amount"`
}

type openChannelRequest struct {
	Recipient  string `json:"recipient"`
	GroupID    string `json:"groupId"`
	Amount     string `json:"amount"`
	Expiration string `json:"expiration"`
	// Source selects the funding source: "wallet" deposits and opens in one
	// operation, "escrow" opens from the already-deposited balance.
	Source string `json:"source,omitempty"`
}

type addFundsRequest struct {
	Amount string `json:"amount"`
}

type extendRequest struct {
	Expiration string `json:"expiration"`
	// Amount, when present, extends and funds in a single transaction.
	Amount string `json:"amount,omitempty"`
}

type receiptResponse struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Status      string `json:"status"`
}

func receiptBody(receipt *types.Receipt) []byte {
	resp := receiptResponse{Status: "confirmed"}
	if receipt != nil {
		resp.TxHash = receipt.TxHash.Hex()
		if receipt.BlockNumber != nil {
			resp.BlockNumber = receipt.BlockNumber.Uint64()
		}
	}
	b, _ := json.Marshal(resp)
	return b
}

func (s *Server) handleDeposit(r *http.Request) (int, []byte, error) {
	var payload depositRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return 0, nil, fmt.Errorf("invalid json payload: %w", escrow.ErrInvalidArgument)
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		return 0, nil, err
	}
	receipt, err := s.svc.Deposit(r.Context(), s.account, amount)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, receiptBody(receipt), nil
}

func (s *Server) handleWithdraw(r *http.Request) (int, []byte, error) {
	var payload depositRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return 0, nil, fmt.Errorf("invalid json payload: %w", escrow.ErrInvalidArgument)
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		return 0, nil, err
	}
	receipt, err := s.svc.Withdraw(r.Context(), s.account, amount)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, receiptBody(receipt), nil
}

func (s *Server) handleOpenChannel(r *http.Request) (int, []byte, error) {
	var payload openChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return 0, nil, fmt.Errorf("invalid json payload: %w", escrow.ErrInvalidArgument)
	}
	group, err := parseServiceGroup(payload.Recipient, payload.GroupID)
	if err != nil {
		return 0, nil, err
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		return 0, nil, err
	}
	expiry, err := parseAmount(payload.Expiration)
	if err != nil {
		return 0, nil, err
	}

	var receipt *types.Receipt
	switch payload.Source {
	case "", "wallet":
		receipt, err = s.svc.DepositAndOpenChannel(r.Context(), s.account, group, amount, expiry)
	case "escrow":
		receipt, err = s.svc.OpenChannel(r.Context(), s.account, group, amount, expiry)
	default:
		return 0, nil, fmt.Errorf("unknown funding source %q: %w", payload.Source, escrow.ErrInvalidArgument)
	}
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, receiptBody(receipt), nil
}

func (s *Server) handleAddFunds(r *http.Request) (int, []byte, error) {
	channelID, err := parseAmount(r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	var payload addFundsRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return 0, nil, fmt.Errorf("invalid json payload: %w", escrow.ErrInvalidArgument)
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		return 0, nil, err
	}
	receipt, err := s.svc.ChannelAddFunds(r.Context(), s.account, channelID, amount)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, receiptBody(receipt), nil
}

func (s *Server) handleExtend(r *http.Request) (int, []byte, error) {
	channelID, err := parseAmount(r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	var payload extendRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return 0, nil, fmt.Errorf("invalid json payload: %w", escrow.ErrInvalidArgument)
	}
	expiry, err := parseAmount(payload.Expiration)
	if err != nil {
		return 0, nil, err
	}

	var receipt *types.Receipt
	if payload.Amount != "" {
		var amount cogs.Amount
		amount, err = parseAmount(payload.Amount)
		if err != nil {
			return 0, nil, err
		}
		receipt, err = s.svc.ChannelExtendAndAddFunds(r.Context(), s.account, channelID, expiry, amount)
	} else {
		receipt, err = s.svc.ChannelExtend(r.Context(), s.account, channelID, expiry)
	}
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, receiptBody(receipt), nil
}

func (s *Server) handleClaimTimeout(r *http.Request) (int, []byte, error) {
	channelID, err := parseAmount(r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	receipt, err := s.svc.ChannelClaimTimeout(r.Context(), s.account, channelID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, receiptBody(receipt), nil
}

type channelResponse struct {
	ChannelID  string `json:"channelId"`
	Sender     string `json:"sender"`
	Signer     string `json:"signer"`
	Recipient  string `json:"recipient"`
	GroupID    string `json:"groupId"`
	Value      string `json:"value"`
	Nonce      string `json:"nonce"`
	Expiration string `json:"expiration"`
	Status     string `json:"status,omitempty"`
}

func channelStateResponse(id cogs.Amount, state escrow.ChannelState, currentBlock uint64) channelResponse {
	return channelResponse{
		ChannelID:  id.String(),
		Sender:     state.Sender.Hex(),
		Signer:     state.Signer.Hex(),
		Recipient:  state.Recipient.Hex(),
		GroupID:    base64.StdEncoding.EncodeToString(state.GroupID[:]),
		Value:      state.Value.String(),
		Nonce:      state.Nonce.String(),
		Expiration: state.Expiration.String(),
		Status:     string(state.Status(currentBlock)),
	}
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := parseAmount(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	state, err := s.svc.Channels(ctx, channelID)
	if err != nil {
		http.Error(w, err.Error(), httpStatusFor(err))
		return
	}
	currentBlock, err := s.svc.CurrentBlock(ctx)
	if err != nil {
		http.Error(w, err.Error(), httpStatusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, channelStateResponse(channelID, state, currentBlock))
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	group, err := parseServiceGroup(query.Get("recipient"), query.Get("groupId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var fromBlock *uint64
	if raw := query.Get("fromBlock"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid fromBlock", http.StatusBadRequest)
			return
		}
		fromBlock = &n
	}

	ctx := r.Context()
	channels, err := s.svc.GetPastOpenChannels(ctx, s.account, group, fromBlock)
	if err != nil {
		http.Error(w, err.Error(), httpStatusFor(err))
		return
	}
	s.metrics.addDiscovered(len(channels))

	currentBlock, err := s.svc.CurrentBlock(ctx)
	if err != nil {
		http.Error(w, err.Error(), httpStatusFor(err))
		return
	}

	out := make([]channelResponse, 0, len(channels))
	for _, ch := range channels {
		state, err := ch.State(ctx)
		if err != nil {
			http.Error(w, err.Error(), httpStatusFor(err))
			return
		}
		out = append(out, channelStateResponse(ch.ID(), state, currentBlock))
	}
	writeJSON(w, http.StatusOK, struct {
		Channels []channelResponse `json:"channels"`
	}{Channels: out})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	addr := common.HexToAddress(raw)
	balance, err := s.svc.Balance(r.Context(), addr)
	if err != nil {
		http.Error(w, err.Error(), httpStatusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Address string `json:"address"`
		Balance string `json:"balance"`
	}{Address: addr.Hex(), Balance: balance.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		HeadBlock uint64  `json:"head_block,omitempty"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	if rpcInfo.Connected {
		headCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if head, err := s.svc.CurrentBlock(headCtx); err == nil {
			rpcInfo.HeadBlock = head
			s.metrics.setChainHead(head)
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func parseAmount(raw string) (cogs.Amount, error) {
	amount, err := cogs.Parse(raw)
	if err != nil {
		return cogs.Zero, fmt.Errorf("%v: %w", err, escrow.ErrInvalidArgument)
	}
	return amount, nil
}

func parseServiceGroup(recipient, groupID string) (escrow.ServiceGroup, error) {
	if !common.IsHexAddress(recipient) {
		return escrow.ServiceGroup{}, fmt.Errorf("invalid recipient address: %w", escrow.ErrInvalidArgument)
	}
	raw, err := base64.StdEncoding.DecodeString(groupID)
	if err != nil || len(raw) != 32 {
		return escrow.ServiceGroup{}, fmt.Errorf("groupId must be 32 base64-encoded bytes: %w", escrow.ErrInvalidArgument)
	}
	group := escrow.ServiceGroup{Recipient: common.HexToAddress(recipient)}
	copy(group.GroupID[:], raw)
	return group, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
