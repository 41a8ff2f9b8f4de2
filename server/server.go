// Package server exposes the HTTP API: evidence submission, vote
// submission, decided aggregates with inclusion proofs, reputation and
// security status, and an audit verification endpoint for external
// auditors.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestline-labs/baseline/audit"
	"github.com/crestline-labs/baseline/consensus"
	"github.com/crestline-labs/baseline/reputation"
	"github.com/crestline-labs/baseline/service"
	"github.com/crestline-labs/baseline/types"
	"github.com/crestline-labs/baseline/verifier"
)

// Pipeline is the slice of the service the API needs.
type Pipeline interface {
	SubmitEvidence(r *types.EvidenceRecord, class types.DataClass) error
	SubmitVote(vote *types.ConsensusVote) (types.DecisionState, error)
	DecisionFor(ctx context.Context, level types.Level, scope string, epoch uint64) (*types.ConsensusDecision, error)
	ProofFor(level types.Level, scope string, epoch uint64, child types.Hash) (*audit.Proof, types.Hash, error)
	ReputationSnapshot() []reputation.Score
	SecurityStatus() service.Status
}

// Config tunes the server.
type Config struct {
	Listen    string
	RateLimit float64 // per-source evidence submissions per second
	RateBurst int
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	pipeline Pipeline
	limiter  *sourceLimiter
	logger   *zap.Logger
	srv      *http.Server
}

// New creates a server around the pipeline.
func New(cfg Config, pipeline Pipeline, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		limiter:  newSourceLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:   logger.Named("server"),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/evidence", s.handleSubmitEvidence)
		r.Post("/votes", s.handleSubmitVote)
		r.Get("/aggregate/{level}/{scope}/{epoch}", s.handleGetAggregate)
		r.Get("/audit/proof/{level}/{scope}/{epoch}", s.handleGetProof)
		r.Post("/audit/verify", s.handleVerifyProof)
		r.Get("/reputation", s.handleReputation)
		r.Get("/status", s.handleStatus)
	})
	return r
}

// ListenAndServe runs the server until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Listen))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "http server failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// evidenceRequest is the submission wire format. The signature covers
// the record content, so the server never re-signs or mutates it.
type evidenceRequest struct {
	SourceID    string    `json:"source_id"`
	Mean        []float64 `json:"mean"`
	Variance    []float64 `json:"variance"`
	SampleCount int64     `json:"sample_count"`
	Timestamp   int64     `json:"timestamp"`
	Signature   string    `json:"signature"` // hex
	Class       string    `json:"class,omitempty"`
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if !s.limiter.Allow(req.SourceID) {
		writeError(w, http.StatusTooManyRequests, "submission rate exceeded")
		return
	}

	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "signature is not valid hex")
		return
	}

	class := types.DataBaseline
	if req.Class != "" {
		if class, err = types.ParseDataClass(req.Class); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	record := &types.EvidenceRecord{
		SourceID: req.SourceID,
		Summary: types.StatSummary{
			Mean:        req.Mean,
			Variance:    req.Variance,
			SampleCount: req.SampleCount,
		},
		Timestamp: req.Timestamp,
		Signature: sig,
	}

	if err := s.pipeline.SubmitEvidence(record, class); err != nil {
		s.writeVerifyError(w, err)
		return
	}
	contentHash := record.ContentHash()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"content_hash": contentHash.String(),
	})
}

// voteRequest is the validator vote wire format.
type voteRequest struct {
	Level       string `json:"level"`
	Scope       string `json:"scope"`
	Epoch       uint64 `json:"epoch"`
	ProposalID  string `json:"proposal_id"`
	SummaryHash string `json:"summary_hash"` // hex
	ValidatorID string `json:"validator_id"`
	Sequence    uint64 `json:"sequence"`
	Nonce       string `json:"nonce"`
	Accept      bool   `json:"accept"`
	Timestamp   int64  `json:"timestamp"`
	Signature   string `json:"signature"` // hex
}

func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	level, err := types.ParseLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summaryHash, err := types.ParseHash(req.SummaryHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "summary_hash is not a valid hash")
		return
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "signature is not valid hex")
		return
	}

	vote := &types.ConsensusVote{
		Level:       level,
		Scope:       req.Scope,
		Epoch:       req.Epoch,
		ProposalID:  req.ProposalID,
		SummaryHash: summaryHash,
		ValidatorID: req.ValidatorID,
		Sequence:    req.Sequence,
		Nonce:       req.Nonce,
		Accept:      req.Accept,
		Timestamp:   req.Timestamp,
		Signature:   sig,
	}

	state, err := s.pipeline.SubmitVote(vote)
	if err != nil {
		s.writeVoteError(w, state, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

// aggregateResponse publishes a decided aggregate.
type aggregateResponse struct {
	Level          string           `json:"level"`
	Scope          string           `json:"scope"`
	Epoch          uint64           `json:"epoch"`
	State          string           `json:"state"`
	Summary        *summaryResponse `json:"summary,omitempty"`
	AcceptFraction float64          `json:"accept_fraction"`
	Threshold      float64          `json:"threshold"`
	AuditRoot      string           `json:"audit_root"`
}

type summaryResponse struct {
	Mean        []float64 `json:"mean"`
	Variance    []float64 `json:"variance"`
	SampleCount int64     `json:"sample_count"`
}

func (s *Server) handleGetAggregate(w http.ResponseWriter, r *http.Request) {
	level, scope, epoch, ok := s.roundParams(w, r)
	if !ok {
		return
	}

	d, err := s.pipeline.DecisionFor(r.Context(), level, scope, epoch)
	if errors.Is(err, service.ErrNoDecisionYet) {
		// Explicitly pending rather than absent.
		writeJSON(w, http.StatusOK, map[string]any{
			"level": level.String(),
			"scope": scope,
			"epoch": epoch,
			"state": "PENDING",
		})
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	resp := aggregateResponse{
		Level:          d.Level.String(),
		Scope:          d.Scope,
		Epoch:          d.Epoch,
		State:          d.State.String(),
		AcceptFraction: d.AcceptFraction,
		Threshold:      d.Threshold,
		AuditRoot:      d.AuditRoot.String(),
	}
	if d.State == types.DecisionAccepted {
		// Rejected summaries are never published.
		resp.Summary = &summaryResponse{
			Mean:        d.Summary.Mean,
			Variance:    d.Summary.Variance,
			SampleCount: d.Summary.SampleCount,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// proofResponse carries an inclusion proof.
type proofResponse struct {
	Root      string      `json:"root"`
	LeafIndex int         `json:"leaf_index"`
	LeafHash  string      `json:"leaf_hash"`
	Path      []proofStep `json:"path"`
}

type proofStep struct {
	Sibling string `json:"sibling"`
	Left    bool   `json:"left"`
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	level, scope, epoch, ok := s.roundParams(w, r)
	if !ok {
		return
	}
	child, err := types.ParseHash(r.URL.Query().Get("child"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "child is not a valid hash")
		return
	}

	proof, root, err := s.pipeline.ProofFor(level, scope, epoch, child)
	switch {
	case errors.Is(err, service.ErrNoDecisionYet):
		writeError(w, http.StatusNotFound, "no aggregate retained for that round")
		return
	case errors.Is(err, audit.ErrLeafNotFound):
		writeError(w, http.StatusNotFound, "child hash did not contribute to that aggregate")
		return
	case err != nil:
		s.internalError(w, err)
		return
	}

	resp := proofResponse{
		Root:      root.String(),
		LeafIndex: proof.LeafIndex,
		LeafHash:  proof.LeafHash.String(),
	}
	for _, step := range proof.Path {
		resp.Path = append(resp.Path, proofStep{Sibling: step.Sibling.String(), Left: step.Left})
	}
	writeJSON(w, http.StatusOK, resp)
}

// verifyRequest is an external auditor's proof check, echoing the
// fields issued by the proof endpoint.
type verifyRequest struct {
	Root     string      `json:"root"`
	Leaf     string      `json:"leaf"` // hex leaf data
	LeafHash string      `json:"leaf_hash"`
	Path     []proofStep `json:"path"`
}

func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	root, err := types.ParseHash(req.Root)
	if err != nil {
		writeError(w, http.StatusBadRequest, "root is not a valid hash")
		return
	}
	leaf, err := hex.DecodeString(req.Leaf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "leaf is not valid hex")
		return
	}

	proof := &audit.Proof{}
	if proof.LeafHash, err = types.ParseHash(req.LeafHash); err != nil {
		writeError(w, http.StatusBadRequest, "leaf_hash is not a valid hash")
		return
	}
	for _, step := range req.Path {
		sib, err := types.ParseHash(step.Sibling)
		if err != nil {
			writeError(w, http.StatusBadRequest, "proof sibling is not a valid hash")
			return
		}
		proof.Path = append(proof.Path, audit.ProofStep{Sibling: sib, Left: step.Left})
	}

	if err := audit.VerifyProof(root, leaf, proof); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// reputationEntry is one row of the reputation snapshot.
type reputationEntry struct {
	SubjectID    string  `json:"subject_id"`
	Weight       float64 `json:"weight"`
	HonestStreak int     `json:"honest_streak"`
	UpdatedAt    int64   `json:"updated_at,omitempty"`
}

func (s *Server) handleReputation(w http.ResponseWriter, _ *http.Request) {
	scores := s.pipeline.ReputationSnapshot()
	out := make([]reputationEntry, 0, len(scores))
	for _, sc := range scores {
		entry := reputationEntry{
			SubjectID:    sc.SubjectID,
			Weight:       sc.Weight,
			HonestStreak: sc.HonestStreak,
		}
		if !sc.UpdatedAt.IsZero() {
			entry.UpdatedAt = sc.UpdatedAt.UnixNano()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.SecurityStatus())
}

func (s *Server) roundParams(w http.ResponseWriter, r *http.Request) (types.Level, string, uint64, bool) {
	level, err := types.ParseLevel(chi.URLParam(r, "level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, "", 0, false
	}
	scope := chi.URLParam(r, "scope")
	if scope == "" {
		writeError(w, http.StatusBadRequest, "scope must be a tree node name")
		return 0, "", 0, false
	}
	epoch, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "epoch must be a non-negative integer")
		return 0, "", 0, false
	}
	return level, scope, epoch, true
}

// writeVerifyError maps admission failures to HTTP statuses.
func (s *Server) writeVerifyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, verifier.ErrMalformedSummary):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, verifier.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, verifier.ErrUnknownSource), errors.Is(err, verifier.ErrSourceNotPermitted):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, verifier.ErrStaleEvidence):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.internalError(w, err)
	}
}

func (s *Server) writeVoteError(w http.ResponseWriter, state types.DecisionState, err error) {
	switch {
	case errors.Is(err, consensus.ErrRoundFinalized):
		// Late vote; report the terminal state rather than failing.
		writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
	case errors.Is(err, consensus.ErrRoundNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, consensus.ErrNonceReplayed),
		errors.Is(err, consensus.ErrConflictingVote),
		errors.Is(err, consensus.ErrDuplicateVote):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, consensus.ErrUnknownValidator):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, verifier.ErrInvalidSignature), errors.Is(err, verifier.ErrUnknownSource):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
