package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/query"
)

// Submitter is the write path into the deterministic core.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (core.Result, error)
}

// Server exposes the ledger over HTTP/JSON. Writes are converted into
// typed events and submitted to the core; reads go through the query
// service. Timestamps are assigned here at the edge so the core stays
// deterministic.
type Server struct {
	engine  Submitter
	queries *query.QueryService
	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() int64
}

func NewServer(engine Submitter, queries *query.QueryService, health *observability.HealthChecker, metrics *observability.Metrics) *Server {
	return &Server{
		engine:  engine,
		queries: queries,
		health:  health,
		metrics: metrics,
		logger:  observability.NewLogger("http"),
		now:     func() int64 { return time.Now().UnixMicro() },
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// reserve pool
	r.HandleFunc("/v1/stake", s.handleStake).Methods("POST")
	r.HandleFunc("/v1/unstake", s.handleUnstake).Methods("POST")
	r.HandleFunc("/v1/yield/claim", s.handleClaimYield).Methods("POST")
	r.HandleFunc("/v1/reserve", s.handleGetReserve).Methods("GET")
	r.HandleFunc("/v1/reserve/history", s.handleReserveHistory).Methods("GET")
	r.HandleFunc("/v1/reserve/yield-rate", s.handleSetYieldRate).Methods("PUT")

	// users
	r.HandleFunc("/v1/users/{address}", s.handleGetUser).Methods("GET")
	r.HandleFunc("/v1/users/{address}/stake", s.handleGetStake).Methods("GET")
	r.HandleFunc("/v1/users/{address}/yield", s.handleGetYield).Methods("GET")
	r.HandleFunc("/v1/accounts/{address}/status", s.handleSetAccountStatus).Methods("PUT")
	r.HandleFunc("/v1/accounts/{address}/kyc", s.handleSetKYC).Methods("PUT")

	// policies
	r.HandleFunc("/v1/policies", s.handleCreatePolicy).Methods("POST")
	r.HandleFunc("/v1/policies", s.handleListPolicies).Methods("GET")
	r.HandleFunc("/v1/policies/{id}", s.handleGetPolicy).Methods("GET")
	r.HandleFunc("/v1/policies/{id}/activate", s.policyTransition(newActivated)).Methods("POST")
	r.HandleFunc("/v1/policies/{id}/pause", s.policyTransition(newPaused)).Methods("POST")
	r.HandleFunc("/v1/policies/{id}/expire", s.policyTransition(newExpired)).Methods("POST")
	r.HandleFunc("/v1/policies/{id}/premium", s.handlePayPremium).Methods("POST")

	// claims
	r.HandleFunc("/v1/claims", s.handleSubmitClaim).Methods("POST")
	r.HandleFunc("/v1/claims", s.handleListClaims).Methods("GET")
	r.HandleFunc("/v1/claims/{id}", s.handleGetClaim).Methods("GET")
	r.HandleFunc("/v1/claims/{id}/process", s.handleProcessClaim).Methods("POST")
	r.HandleFunc("/v1/claims/{id}/payout", s.handlePayoutClaim).Methods("POST")

	// admin
	r.HandleFunc("/v1/integrity", s.handleVerifyIntegrity).Methods("GET")

	// probes
	if s.health != nil {
		r.HandleFunc("/healthz", s.health.LivenessHandler).Methods("GET")
		r.HandleFunc("/readyz", s.health.ReadinessHandler).Methods("GET")
	}

	return r
}

// --- request bodies ---

type stakeRequest struct {
	RequestID string `json:"request_id"`
	Address   string `json:"address"`
	Amount    int64  `json:"amount"`
}

type yieldRateRequest struct {
	RequestID string `json:"request_id"`
	RateBps   uint16 `json:"rate_bps"`
}

type createPolicyRequest struct {
	RequestID          string `json:"request_id"`
	Creator            string `json:"creator"`
	CoverageAmount     int64  `json:"coverage_amount"`
	PremiumAmount      int64  `json:"premium_amount"`
	PayoutAmount       int64  `json:"payout_amount"`
	TermDays           uint32 `json:"term_days"`
	TriggerDescription string `json:"trigger_description"`
	Details            string `json:"details"`
}

type premiumRequest struct {
	RequestID string `json:"request_id"`
	Payer     string `json:"payer"`
	Amount    int64  `json:"amount"`
}

type submitClaimRequest struct {
	RequestID    string `json:"request_id"`
	User         string `json:"user"`
	PolicyID     int64  `json:"policy_id"`
	Amount       int64  `json:"amount"`
	EvidenceHash string `json:"evidence_hash"`
}

type processClaimRequest struct {
	RequestID        string `json:"request_id"`
	Approved         bool   `json:"approved"`
	ExternalDataHash string `json:"external_data_hash"`
}

type accountStatusRequest struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type kycRequest struct {
	RequestID string `json:"request_id"`
	Verified  bool   `json:"verified"`
}

// --- write handlers ---

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "stake", &event.FundsStaked{
		RequestID: s.requestID(req.RequestID),
		Address:   req.Address,
		Amount:    req.Amount,
		Timestamp: s.now(),
	})
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "unstake", &event.FundsUnstaked{
		RequestID: s.requestID(req.RequestID),
		Address:   req.Address,
		Amount:    req.Amount,
		Timestamp: s.now(),
	})
}

func (s *Server) handleClaimYield(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "claim_yield", &event.YieldClaimed{
		RequestID: s.requestID(req.RequestID),
		Address:   req.Address,
		Timestamp: s.now(),
	})
}

func (s *Server) handleSetYieldRate(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.adminIdentity(w, r)
	if !ok {
		return
	}
	var req yieldRateRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "set_yield_rate", &event.YieldRateUpdated{
		RequestID: s.requestID(req.RequestID),
		Admin:     admin,
		RateBps:   req.RateBps,
		Timestamp: s.now(),
	})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "create_policy", &event.PolicyCreated{
		RequestID:          s.requestID(req.RequestID),
		Creator:            req.Creator,
		CoverageAmount:     req.CoverageAmount,
		PremiumAmount:      req.PremiumAmount,
		PayoutAmount:       req.PayoutAmount,
		TermDays:           req.TermDays,
		TriggerDescription: req.TriggerDescription,
		Details:            req.Details,
		Timestamp:          s.now(),
	})
}

func newActivated(requestID uuid.UUID, admin string, policyID, ts int64) event.Event {
	return &event.PolicyActivated{PolicyTransition: event.PolicyTransition{
		RequestID: requestID, Admin: admin, PolicyID: policyID, Timestamp: ts,
	}}
}

func newPaused(requestID uuid.UUID, admin string, policyID, ts int64) event.Event {
	return &event.PolicyPaused{PolicyTransition: event.PolicyTransition{
		RequestID: requestID, Admin: admin, PolicyID: policyID, Timestamp: ts,
	}}
}

func newExpired(requestID uuid.UUID, admin string, policyID, ts int64) event.Event {
	return &event.PolicyExpired{PolicyTransition: event.PolicyTransition{
		RequestID: requestID, Admin: admin, PolicyID: policyID, Timestamp: ts,
	}}
}

func (s *Server) policyTransition(build func(uuid.UUID, string, int64, int64) event.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		admin, ok := s.adminIdentity(w, r)
		if !ok {
			return
		}
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		var req struct {
			RequestID string `json:"request_id"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		s.submit(w, r, "policy_transition", build(s.requestID(req.RequestID), admin, id, s.now()))
	}
}

func (s *Server) handlePayPremium(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req premiumRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "pay_premium", &event.PremiumCollected{
		RequestID: s.requestID(req.RequestID),
		Payer:     req.Payer,
		PolicyID:  id,
		Amount:    req.Amount,
		Timestamp: s.now(),
	})
}

func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req submitClaimRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "submit_claim", &event.ClaimSubmitted{
		RequestID:    s.requestID(req.RequestID),
		User:         req.User,
		PolicyID:     req.PolicyID,
		Amount:       req.Amount,
		EvidenceHash: req.EvidenceHash,
		Timestamp:    s.now(),
	})
}

func (s *Server) handleProcessClaim(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.adminIdentity(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req processClaimRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "process_claim", &event.ClaimProcessed{
		RequestID:        s.requestID(req.RequestID),
		Admin:            admin,
		ClaimID:          id,
		ExternalDataHash: req.ExternalDataHash,
		Approved:         req.Approved,
		Timestamp:        s.now(),
	})
}

func (s *Server) handlePayoutClaim(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.adminIdentity(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		RequestID string `json:"request_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "payout_claim", &event.ClaimPaid{
		RequestID: s.requestID(req.RequestID),
		Admin:     admin,
		ClaimID:   id,
		Timestamp: s.now(),
	})
}

func (s *Server) handleSetAccountStatus(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.adminIdentity(w, r)
	if !ok {
		return
	}
	var req accountStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := ledger.ParseAccountStatus(req.Status); err != nil {
		s.respondError(w, http.StatusBadRequest, "INVALID_STATUS", err.Error(), false)
		return
	}
	s.submit(w, r, "set_account_status", &event.AccountStatusChanged{
		RequestID: s.requestID(req.RequestID),
		Admin:     admin,
		Address:   mux.Vars(r)["address"],
		NewStatus: req.Status,
		Timestamp: s.now(),
	})
}

func (s *Server) handleSetKYC(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.adminIdentity(w, r)
	if !ok {
		return
	}
	var req kycRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "set_kyc", &event.AccountKYCSet{
		RequestID: s.requestID(req.RequestID),
		Admin:     admin,
		Address:   mux.Vars(r)["address"],
		Verified:  req.Verified,
		Timestamp: s.now(),
	})
}

// --- read handlers ---

func (s *Server) handleGetReserve(w http.ResponseWriter, r *http.Request) {
	s.serveQuery(w, r, "get_reserve", func() (interface{}, error) {
		return s.queries.GetReserveInfo(r.Context())
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	addr := ledger.Address(mux.Vars(r)["address"])
	s.serveQuery(w, r, "get_user", func() (interface{}, error) {
		return s.queries.GetUserProfile(r.Context(), addr)
	})
}

func (s *Server) handleGetStake(w http.ResponseWriter, r *http.Request) {
	addr := ledger.Address(mux.Vars(r)["address"])
	s.serveQuery(w, r, "get_stake", func() (interface{}, error) {
		return s.queries.GetFunderStake(r.Context(), addr)
	})
}

func (s *Server) handleGetYield(w http.ResponseWriter, r *http.Request) {
	addr := ledger.Address(mux.Vars(r)["address"])
	s.serveQuery(w, r, "get_yield", func() (interface{}, error) {
		return s.queries.GetYieldInfo(r.Context(), addr, s.now())
	})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	s.serveQuery(w, r, "get_policy", func() (interface{}, error) {
		return s.queries.GetPolicy(r.Context(), id)
	})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := queryLimit(r)
	after := queryCursor(r, "after")
	s.serveQuery(w, r, "list_policies", func() (interface{}, error) {
		return s.queries.ListPolicies(r.Context(), status, limit, after)
	})
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	s.serveQuery(w, r, "get_claim", func() (interface{}, error) {
		return s.queries.GetClaim(r.Context(), id)
	})
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	policyID := queryCursor(r, "policy_id")
	limit := queryLimit(r)
	s.serveQuery(w, r, "list_claims", func() (interface{}, error) {
		return s.queries.ListClaims(r.Context(), policyID, user, limit)
	})
}

func (s *Server) handleReserveHistory(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	limit := queryLimit(r)
	after := queryCursor(r, "after")
	s.serveQuery(w, r, "reserve_history", func() (interface{}, error) {
		return s.queries.GetReserveHistory(r.Context(), address, limit, after)
	})
}

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.adminIdentity(w, r); !ok {
		return
	}
	s.serveQuery(w, r, "verify_integrity", func() (interface{}, error) {
		return s.queries.VerifyIntegrity(r.Context())
	})
}

// --- plumbing ---

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, endpoint string, evt event.Event) {
	res, err := s.engine.Submit(r.Context(), evt)
	if err != nil {
		s.respondDomainError(w, endpoint, err)
		return
	}
	status := http.StatusOK
	if !res.Duplicate && r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, res)
}

func (s *Server) serveQuery(w http.ResponseWriter, r *http.Request, endpoint string, fn func() (interface{}, error)) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	}
	v, err := fn()
	if s.metrics != nil {
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.QueryErrors.WithLabelValues(endpoint, errorCode(err)).Inc()
		}
		s.respondDomainError(w, endpoint, err)
		return
	}
	s.respondJSON(w, http.StatusOK, v)
}

func (s *Server) respondDomainError(w http.ResponseWriter, endpoint string, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Str("endpoint", endpoint).Err(err).Msg("request failed")
	}
	s.respondError(w, status, code, err.Error(), ledger.IsTransient(err))
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, msg string, retryable bool) {
	s.respondJSON(w, status, errorResponse{Error: msg, Code: code, Retryable: retryable})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "INVALID_JSON", "malformed request body", false)
		return false
	}
	return true
}

// adminIdentity requires the X-Admin-Identity header on privileged routes.
// AuthN/AuthZ proper lives at the gateway; the ledger only records who acted.
func (s *Server) adminIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	admin := r.Header.Get("X-Admin-Identity")
	if admin == "" {
		s.respondError(w, http.StatusUnauthorized, "MISSING_ADMIN_IDENTITY", "X-Admin-Identity header required", false)
		return "", false
	}
	return admin, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, http.StatusBadRequest, "INVALID_ID", "id must be a positive integer", false)
		return 0, false
	}
	return id, true
}

func (s *Server) requestID(raw string) uuid.UUID {
	if raw == "" {
		return uuid.New()
	}
	if id, err := uuid.Parse(raw); err == nil {
		return id
	}
	// Derive a stable id from the raw key so retries still deduplicate.
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(raw))
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func queryCursor(r *http.Request, name string) *int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "INVALID_AMOUNT"
	case errors.Is(err, ledger.ErrInvalidPolicyTerms):
		return http.StatusBadRequest, "INVALID_POLICY_TERMS"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, ledger.ErrAccountNotActive):
		return http.StatusConflict, "ACCOUNT_NOT_ACTIVE"
	case errors.Is(err, ledger.ErrInsufficientStake):
		return http.StatusConflict, "INSUFFICIENT_STAKE"
	case errors.Is(err, ledger.ErrReserveUnderfunded):
		return http.StatusConflict, "RESERVE_UNDERFUNDED"
	case errors.Is(err, ledger.ErrNoYieldAvailable):
		return http.StatusConflict, "NO_YIELD_AVAILABLE"
	case errors.Is(err, ledger.ErrClaimNotApproved):
		return http.StatusConflict, "CLAIM_NOT_APPROVED"
	case errors.Is(err, ledger.ErrAlreadySettled):
		return http.StatusConflict, "ALREADY_SETTLED"
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, ledger.ErrContention):
		return http.StatusConflict, "CONTENTION"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func errorCode(err error) string {
	_, code := errorStatus(err)
	return code
}
