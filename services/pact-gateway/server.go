package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pactledger/audit"
	"pactledger/native/agreement"
	"pactledger/native/dispute"
	"pactledger/native/proof"
	"pactledger/observability/logging"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

// Server is the HTTP front-end for the agreement ledger.
type Server struct {
	authenticator *Authenticator
	engine        *agreement.Engine
	disputes      *dispute.Manager
	proofs        *proof.Builder
	auditLog      *audit.Ledger
	store         *SQLiteStore
	queue         *WebhookQueue
	logger        *slog.Logger
	nowFn         func() time.Time

	router chi.Router
}

func NewServer(auth *Authenticator, engine *agreement.Engine, disputes *dispute.Manager, proofs *proof.Builder, auditLog *audit.Ledger, store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if engine == nil {
		panic("agreement engine required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		authenticator: auth,
		engine:        engine,
		disputes:      disputes,
		proofs:        proofs,
		auditLog:      auditLog,
		store:         store,
		queue:         queue,
		logger:        logger,
		nowFn:         time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/session", s.instrument("auth_session", s.handleIssueSession))

	r.Route("/agreements", func(r chi.Router) {
		r.Post("/", s.instrument("agreement_create", s.mutating(s.handleCreate)))
		r.Route("/{agreementID}", func(r chi.Router) {
			r.Get("/", s.instrument("agreement_get", s.reading(s.handleGet)))
			r.Put("/content", s.instrument("agreement_update", s.mutating(s.handleUpdateContent)))
			r.Post("/send", s.instrument("agreement_send", s.mutating(s.handleSend)))
			r.Post("/signatures", s.instrument("agreement_sign", s.mutating(s.handleSign)))
			r.Post("/cancel", s.instrument("agreement_cancel", s.mutating(s.handleCancel)))
			r.Delete("/", s.instrument("agreement_delete", s.mutating(s.handleDelete)))

			r.Post("/escrow", s.instrument("escrow_prepare", s.mutating(s.handleEscrowPrepare)))
			r.Post("/escrow/accept", s.instrument("escrow_accept", s.mutating(s.handleEscrowAccept)))
			r.Post("/escrow/fund", s.instrument("escrow_fund", s.mutating(s.handleEscrowFund)))
			r.Post("/escrow/release", s.instrument("escrow_release", s.mutating(s.handleEscrowRelease)))
			r.Post("/escrow/refund", s.instrument("escrow_refund", s.mutating(s.handleEscrowRefund)))

			r.Post("/disputes", s.instrument("dispute_raise", s.mutating(s.handleDisputeRaise)))

			r.Get("/proof", s.instrument("proof", s.reading(s.handleProof)))
			r.Get("/certificate", s.instrument("certificate", s.reading(s.handleCertificate)))
			r.Get("/audit", s.instrument("audit_query", s.reading(s.handleAuditQuery)))
			r.Get("/audit/verify", s.instrument("audit_verify", s.reading(s.handleAuditVerify)))
			r.Post("/verify-token", s.instrument("verify_token", s.reading(s.handleVerifyToken)))
		})
	})

	r.Route("/disputes/{disputeID}", func(r chi.Router) {
		r.Get("/", s.instrument("dispute_get", s.reading(s.handleDisputeGet)))
		r.Post("/responses", s.instrument("dispute_respond", s.mutating(s.handleDisputeRespond)))
		r.Post("/resolve", s.instrument("dispute_resolve", s.mutating(s.handleDisputeResolve)))
	})

	r.Post("/webhooks", s.instrument("webhook_register", s.mutating(s.handleWebhookRegister)))

	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// authedRequest carries everything a handler needs after the shared
// authentication, idempotency and body plumbing ran.
type authedRequest struct {
	principal *Principal
	body      []byte
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, ar authedRequest)

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r)
		requestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status()/100*100)).Inc()
	}
}

// mutating wraps write handlers: full HMAC auth, mandatory Idempotency-Key
// with cached replay, request-log rows.
func (s *Server) mutating(next handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := s.readRequestBody(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		principal, err := s.authenticator.Authenticate(r, body)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			s.logRequest(r.Context(), nil, r, body, http.StatusUnauthorized, nil)
			return
		}
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			s.writeError(w, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
			s.logRequest(r.Context(), principal, r, body, http.StatusBadRequest, nil)
			return
		}
		requestHash := hashRequest(r.Method, canonicalRequestPath(r), body)
		cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
		if cacheErr != nil {
			status := http.StatusInternalServerError
			if errors.Is(cacheErr, ErrIdempotencyMismatch) {
				status = http.StatusConflict
			}
			s.writeError(w, status, cacheErr)
			s.logRequest(r.Context(), principal, r, body, status, nil)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			s.logRequest(r.Context(), principal, r, body, cached.Status, cached.Body)
			return
		}

		rec := &responseRecorder{next: w}
		next(rec, r, authedRequest{principal: principal, body: body})
		if rec.status >= 200 && rec.status < 300 {
			if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, rec.status, rec.buf); err != nil {
				s.logger.Warn("save idempotency", "error", err)
			}
		}
		s.logRequest(r.Context(), principal, r, body, rec.status, rec.buf)
	}
}

// reading wraps read handlers: session token or HMAC, no idempotency.
func (s *Server) reading(next handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := s.readRequestBody(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		principal, err := s.authenticator.AuthenticateRead(r, body)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r, authedRequest{principal: principal, body: body})
	}
}

type responseRecorder struct {
	next   http.ResponseWriter
	status int
	buf    []byte
}

func (r *responseRecorder) Header() http.Header { return r.next.Header() }

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.next.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.buf = append(r.buf, b...)
	return r.next.Write(b)
}

func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, expires, err := s.authenticator.IssueSession(principal)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"token":     token,
		"expiresAt": expires.Format(time.RFC3339),
	})
}

type createRequest struct {
	Content  string            `json:"content"`
	Parties  []agreement.Party `json:"parties"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Author   string            `json:"author"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req createRequest
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	a, err := s.engine.Create(r.Context(), req.Content, req.Parties, req.Metadata, req.Author)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, _ authedRequest) {
	a, err := s.engine.Snapshot(r.Context(), chi.URLParam(r, "agreementID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req struct {
		Content string `json:"content"`
		Editor  string `json:"editor"`
	}
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	a, err := s.engine.UpdateContent(r.Context(), chi.URLParam(r, "agreementID"), req.Content, req.Editor)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	a, err := s.engine.SendForSignature(r.Context(), chi.URLParam(r, "agreementID"), req.Actor)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

type signRequest struct {
	SignerEmail        string `json:"signerEmail"`
	SignerName         string `json:"signerName"`
	Method             string `json:"method"`
	OriginatingAddress string `json:"originatingAddress,omitempty"`
	VerificationToken  string `json:"verificationToken,omitempty"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req signRequest
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	id := chi.URLParam(r, "agreementID")
	// Signers reach the gateway with the verification token from their
	// invite; the API key session alone also vouches for server-to-server
	// integrations.
	proofOfIdentity := "api_key:" + ar.principal.APIKey
	if req.VerificationToken != "" {
		ok, err := s.engine.VerifyToken(r.Context(), id, req.VerificationToken)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if !ok {
			s.writeError(w, http.StatusForbidden, errors.New("verification token mismatch"))
			return
		}
		proofOfIdentity = "verification_token"
	}
	a, err := s.engine.RecordSignature(r.Context(), id, req.SignerEmail, req.SignerName, req.Method, req.OriginatingAddress, proofOfIdentity)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	a, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "agreementID"), req.Actor, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	actor := ar.principal.APIKey
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "agreementID"), actor); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type escrowPrepareRequest struct {
	Type      string                  `json:"type"`
	Currency  string                  `json:"currency"`
	Amount    string                  `json:"amount"`
	FeeBps    uint32                  `json:"feeBps"`
	Overrides agreement.RuleOverrides `json:"ruleOverrides"`
	Actor     string                  `json:"actor"`
}

func (s *Server) handleEscrowPrepare(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req escrowPrepareRequest
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		s.writeError(w, http.StatusBadRequest, errors.New("amount must be a base-10 integer"))
		return
	}
	a, err := s.engine.PrepareEscrow(r.Context(), chi.URLParam(r, "agreementID"), agreement.EscrowType(req.Type), req.Currency, amount, req.FeeBps, req.Overrides, req.Actor)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleEscrowAccept(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req struct {
		PartyEmail string `json:"partyEmail"`
	}
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	a, err := s.engine.AcceptEscrow(r.Context(), chi.URLParam(r, "agreementID"), req.PartyEmail)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleEscrowFund(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req struct {
		ExternalReference string `json:"externalReference"`
		Actor             string `json:"actor"`
	}
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	a, err := s.engine.ConfirmFunding(r.Context(), chi.URLParam(r, "agreementID"), req.ExternalReference, req.Actor)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req struct {
		ReleaseTo string `json:"releaseTo"`
		Actor     string `json:"actor"`
	}
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	a, err := s.engine.ReleaseEscrow(r.Context(), chi.URLParam(r, "agreementID"), req.ReleaseTo, req.Actor)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	a, err := s.engine.RefundEscrow(r.Context(), chi.URLParam(r, "agreementID"), req.Actor)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

type disputeRaiseRequest struct {
	RaisedBy           string             `json:"raisedBy"`
	Category           string             `json:"category"`
	Evidence           []dispute.Evidence `json:"evidence,omitempty"`
	ProposedResolution string             `json:"proposedResolution,omitempty"`
}

func (s *Server) handleDisputeRaise(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req disputeRaiseRequest
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	d, err := s.disputes.Raise(r.Context(), chi.URLParam(r, "agreementID"), req.RaisedBy, req.Category, req.Evidence, req.ProposedResolution)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleDisputeGet(w http.ResponseWriter, r *http.Request, _ authedRequest) {
	d, err := s.disputes.Get(chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDisputeRespond(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req struct {
		From            string             `json:"from"`
		Message         string             `json:"message"`
		Evidence        []dispute.Evidence `json:"evidence,omitempty"`
		CounterProposal string             `json:"counterProposal,omitempty"`
	}
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	d, err := s.disputes.Respond(r.Context(), chi.URLParam(r, "disputeID"), req.From, req.Message, req.Evidence, req.CounterProposal)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDisputeResolve(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req struct {
		Resolution      string `json:"resolution"`
		ReleaseTo       string `json:"releaseTo,omitempty"`
		SplitPercentage int    `json:"splitPercentage,omitempty"`
		ResolverRole    string `json:"resolverRole"`
	}
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	d, err := s.disputes.Resolve(r.Context(), chi.URLParam(r, "disputeID"), req.Resolution, req.ReleaseTo, req.SplitPercentage, req.ResolverRole)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request, _ authedRequest) {
	p, err := s.proofs.BuildProof(r.Context(), chi.URLParam(r, "agreementID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request, _ authedRequest) {
	cert, err := s.engine.Certificate(r.Context(), chi.URLParam(r, "agreementID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cert)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request, _ authedRequest) {
	filter := audit.Filter{
		Category: strings.TrimSpace(r.URL.Query().Get("category")),
		Action:   strings.TrimSpace(r.URL.Query().Get("action")),
		Actor:    strings.TrimSpace(r.URL.Query().Get("actor")),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
			return
		}
		filter.Since = ts
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid until: %w", err))
			return
		}
		filter.Until = ts
	}
	entries, err := s.auditLog.Query(r.Context(), chi.URLParam(r, "agreementID"), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request, _ authedRequest) {
	result, err := s.auditLog.VerifyChain(r.Context(), chi.URLParam(r, "agreementID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	ok, err := s.engine.VerifyToken(r.Context(), chi.URLParam(r, "agreementID"), req.Token)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

type webhookRegisterRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit,omitempty"`
}

func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request, ar authedRequest) {
	var req webhookRegisterRequest
	if err := json.Unmarshal(ar.body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if strings.TrimSpace(req.EventType) == "" || strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.Secret) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("eventType, url and secret are required"))
		return
	}
	if !strings.HasPrefix(req.URL, "https://") && !strings.HasPrefix(req.URL, "http://") {
		s.writeError(w, http.StatusBadRequest, errors.New("url must be http(s)"))
		return
	}
	id, err := s.store.InsertWebhook(r.Context(), WebhookSubscription{
		APIKey:    ar.principal.APIKey,
		EventType: strings.TrimSpace(req.EventType),
		URL:       req.URL,
		Secret:    req.Secret,
		RateLimit: req.RateLimit,
		Active:    true,
		CreatedAt: s.nowFn().UTC(),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.LogAttrs(r.Context(), slog.LevelInfo, "webhook registered",
		slog.Int64("webhookId", id),
		slog.String("eventType", req.EventType),
		slog.String("url", req.URL),
		logging.MaskField("secret", req.Secret),
	)
	s.writeJSON(w, http.StatusCreated, map[string]int64{"webhookId": id})
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"%s"}`, msg)))
}

// writeDomainError maps the ledger error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation  *agreement.ValidationError
		conflict    *agreement.ConflictError
		notFound    *agreement.NotFoundError
		integrity   *agreement.IntegrityError
		unavailable *agreement.ExternalUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &conflict):
		s.writeError(w, http.StatusConflict, err)
	case errors.As(err, &notFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.As(err, &integrity):
		s.logger.Error("integrity failure", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
	case errors.As(err, &unavailable):
		s.writeError(w, http.StatusBadGateway, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) logRequest(ctx context.Context, principal *Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	rec := RequestRecord{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           canonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertRequestLog(ctx, rec); err != nil {
		s.logger.Warn("insert request log", "error", err)
	}
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
