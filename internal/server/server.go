package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"nftmint/internal/chain"
	"nftmint/internal/config"
	"nftmint/internal/hmacauth"
	"nftmint/internal/idempotency"
	"nftmint/internal/mint"
	"nftmint/internal/observability"
	"nftmint/internal/status"
	"nftmint/internal/wallet"
)

const maxBodyBytes = 1 << 16

// WalletSession is the part of *wallet.Session the API drives.
type WalletSession interface {
	State() wallet.State
	Account() (common.Address, bool)
	Connect(ctx context.Context) (wallet.State, error)
	Disconnect() wallet.State
	Watch(fn func(wallet.State)) func()
}

// MintController is the part of *mint.Controller the API drives.
type MintController interface {
	Submit(ctx context.Context, uri string) (mint.Request, error)
	Current() mint.Request
	Reset() error
	Watch(fn func(mint.Request)) func()
}

type Server struct {
	cfg         *config.AppConfig
	session     WalletSession
	mints       MintController
	chain       chain.Client
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	logger      zerolog.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error

	// mints outlive the request that started them
	baseCtx    context.Context
	cancelBase context.CancelFunc
	unwatch    []func()
}

func NewServer(cfg *config.AppConfig, session WalletSession, mints MintController, client chain.Client, store idempotency.Store, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api").Logger()
	hmacVerifier := &hmacauth.Verifier{
		Secret:  cfg.Service.SigningSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		Logger:  logger,
	}

	metrics := newMetricsRegistry()
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		session:    session,
		mints:      mints,
		chain:      client,
		store:      store,
		hmac:       hmacVerifier,
		metrics:    metrics,
		logger:     logger,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := client.(chain.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	s.unwatch = append(s.unwatch,
		session.Watch(metrics.observeWallet),
		mints.Watch(metrics.observeMint),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/wallet", s.handleWallet)
	mux.Handle("/api/v1/wallet/connect", s.hmac.Middleware(http.HandlerFunc(s.handleConnect)))
	mux.Handle("/api/v1/wallet/disconnect", s.hmac.Middleware(http.HandlerFunc(s.handleDisconnect)))
	mux.Handle("/api/v1/mints", s.hmac.Middleware(http.HandlerFunc(s.handleSubmitMint)))
	mux.HandleFunc("/api/v1/mints/current", s.handleCurrentMint)
	mux.Handle("/api/v1/mints/reset", s.hmac.Middleware(http.HandlerFunc(s.handleResetMint)))
	mux.HandleFunc("/api/v1/tokens", s.handleTokens)
	mux.Handle("/api/v1/metrics", metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(observability.RequestLogger(logger, metrics.observeHTTP, mux)),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then cancels mints still in flight.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.cancelBase()
	for _, stop := range s.unwatch {
		stop()
	}
	return err
}

type walletView struct {
	Status     string `json:"status"`
	Account    string `json:"account,omitempty"`
	ChainID    string `json:"chainId,omitempty"`
	BalanceWei string `json:"balanceWei,omitempty"`
	BalanceEth string `json:"balanceEth,omitempty"`
	LastError  string `json:"lastError,omitempty"`
	Message    string `json:"message,omitempty"`
}

func newWalletView(st wallet.State) walletView {
	v := walletView{
		Status:    string(st.Status),
		LastError: string(st.LastError),
		Message:   st.LastError.Message(),
	}
	if st.Account != nil {
		v.Account = st.Account.Hex()
	}
	if st.ChainID != nil {
		v.ChainID = st.ChainID.String()
	}
	if st.Balance != nil {
		v.BalanceWei = st.Balance.String()
		v.BalanceEth = wallet.FormatEther(st.Balance)
	}
	return v
}

type mintRequest struct {
	TokenURI string `json:"tokenUri"`
}

type mintView struct {
	Phase     string    `json:"phase"`
	TokenURI  string    `json:"tokenUri,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	TokenID   string    `json:"tokenId,omitempty"`
	Account   string    `json:"account,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

func newMintView(r mint.Request) mintView {
	v := mintView{
		Phase:     string(r.Phase),
		TokenURI:  r.TokenURI,
		TxHash:    r.TxHash,
		Error:     string(r.Error),
		Message:   r.StatusMessage(),
		StartedAt: r.StartedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.TokenID != nil {
		v.TokenID = r.TokenID.String()
	}
	if r.Account != (common.Address{}) {
		v.Account = r.Account.Hex()
	}
	return v
}

type errorView struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Wallet  *walletView `json:"wallet,omitempty"`
	Mint    *mintView   `json:"mint,omitempty"`
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, newWalletView(s.session.State()))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.session.Connect(r.Context())
	view := newWalletView(st)
	if err != nil {
		kind := status.KindOf(err)
		writeJSON(w, statusForKind(kind), errorView{Error: string(kind), Message: kind.Message(), Wallet: &view})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, newWalletView(s.session.Disconnect()))
}

func (s *Server) handleSubmitMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	fingerprint := idempotency.Fingerprint(body)

	existing, err := idempotency.Lookup(ctx, s.store, key, fingerprint)
	if errors.Is(err, idempotency.ErrKeyReused) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("idempotency lookup failed")
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incSubmission("cached")
		return
	}

	var payload mintRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	req, err := s.mints.Submit(s.baseCtx, payload.TokenURI)
	switch {
	case errors.Is(err, mint.ErrMintInProgress):
		view := newMintView(req)
		writeJSON(w, http.StatusConflict, errorView{Error: "mint_in_progress", Message: err.Error(), Mint: &view})
		s.metrics.incSubmission("busy")
		return
	case err != nil:
		kind := status.KindOf(err)
		view := newMintView(req)
		writeJSON(w, statusForKind(kind), errorView{Error: string(kind), Message: req.StatusMessage(), Mint: &view})
		s.metrics.incSubmission("rejected")
		return
	}

	b, _ := json.Marshal(newMintView(req))
	now := time.Now()
	record := idempotency.Record{
		Fingerprint: fingerprint,
		StatusCode:  http.StatusAccepted,
		Response:    b,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.store.Save(ctx, key, record); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("idempotency save failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(b)
	s.metrics.incSubmission("accepted")
}

func (s *Server) handleCurrentMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, newMintView(s.mints.Current()))
}

func (s *Server) handleResetMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.mints.Reset(); err != nil {
		view := newMintView(s.mints.Current())
		writeJSON(w, http.StatusConflict, errorView{Error: "mint_in_progress", Message: err.Error(), Mint: &view})
		return
	}
	writeJSON(w, http.StatusOK, newMintView(s.mints.Current()))
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account, ok := s.session.Account()
	if !ok {
		writeJSON(w, http.StatusConflict, errorView{Error: string(status.NotConnected), Message: status.NotConnected.Message()})
		return
	}
	tokens, err := s.chain.OwnedTokens(r.Context(), account)
	if err != nil {
		s.logger.Error().Err(err).Str("account", account.Hex()).Msg("gallery lookup failed")
		http.Error(w, "failed to load tokens: "+err.Error(), http.StatusBadGateway)
		return
	}
	if tokens == nil {
		tokens = []chain.Token{}
	}
	writeJSON(w, http.StatusOK, struct {
		Account string        `json:"account"`
		Tokens  []chain.Token `json:"tokens"`
	}{Account: account.Hex(), Tokens: tokens})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
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

	state := "healthy"
	if !overallHealthy {
		state = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
		Wallet   walletView  `json:"wallet"`
		Mint     string      `json:"mint_phase"`
	}{
		Status:   state,
		RPC:      rpcInfo,
		Database: dbInfo,
		Wallet:   newWalletView(s.session.State()),
		Mint:     string(s.mints.Current().Phase),
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func statusForKind(kind status.Kind) int {
	switch kind {
	case status.InvalidInput:
		return http.StatusBadRequest
	case status.UserRejected:
		return http.StatusForbidden
	case status.NotConnected, status.WalletDisconnected:
		return http.StatusConflict
	case status.NoProvider:
		return http.StatusServiceUnavailable
	case status.MetadataUnreachable, status.TransactionReverted:
		return http.StatusUnprocessableEntity
	case status.ConfirmationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
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
