// Package statusapi exposes the orchestrator's external actor surface (spec §6:
// capture_dump, submit_proposal, decide_proposal, get_work_status, subscribe) over
// HTTP using go-chi, the pack's router of choice for a small, explicit REST
// surface (no generated code, no framework magic). Every handler is a thin
// adapter: all real logic lives in pkg/capture, pkg/governance, pkg/workqueue,
// pkg/cascade, and pkg/bus.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kvknd/substrated/internal/config"
	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/pkg/bus"
	"github.com/kvknd/substrated/pkg/capture"
	"github.com/kvknd/substrated/pkg/cascade"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/governance"
	"github.com/kvknd/substrated/pkg/idempotency"
	"go.uber.org/zap"
)

// Server wires the external actor surface onto an http.Handler.
type Server struct {
	router     chi.Router
	capture    *capture.Service
	governance *governance.Engine
	cascade    *cascade.Coordinator
	idempotent *idempotency.Guard
	bus        *bus.Bus
	cfg        config.StatusAPIConfig
	logger     *zap.Logger
}

func New(cap *capture.Service, gov *governance.Engine, casc *cascade.Coordinator,
	guard *idempotency.Guard, b *bus.Bus, cfg config.StatusAPIConfig, logger *zap.Logger) *Server {
	s := &Server{capture: cap, governance: gov, cascade: casc, idempotent: guard, bus: b, cfg: cfg, logger: logger}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeSuccess(w, map[string]string{"status": "ok"}) })

	r.Route("/dumps", func(r chi.Router) {
		r.Post("/", s.captureDump)
	})
	r.Route("/proposals", func(r chi.Router) {
		r.Post("/", s.submitProposal)
		r.Post("/{proposalID}/decision", s.decideProposal)
	})
	r.Route("/work", func(r chi.Router) {
		r.Get("/{workID}/status", s.getWorkStatus)
	})
	r.Get("/events", s.subscribeEvents)

	return r
}

type captureDumpRequest struct {
	WorkspaceID domain.ID      `json:"workspace_id"`
	BasketID    domain.ID      `json:"basket_id"`
	Body        string         `json:"body"`
	SourceMeta  map[string]any `json:"source_meta"`
	RequestID   string         `json:"request_id"`
}

// captureDump implements capture_dump(workspace_id, basket_id, body, source_meta,
// request_id) -> {dump_id, delta_id?}. A repeated call with the same request_id is
// idempotent: it returns the dump already created by the first call rather than
// inserting a duplicate (spec §8 Invariant 1, Scenario 2).
func (s *Server) captureDump(w http.ResponseWriter, r *http.Request) {
	var req captureDumpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dump, err := s.capture.Capture(r.Context(), capture.Input{
		WorkspaceID: req.WorkspaceID, BasketID: req.BasketID,
		BodyText: req.Body, SourceMeta: req.SourceMeta,
		IngestTraceID: req.RequestID, RequestID: req.RequestID,
	})
	if err != nil {
		var oe *orcherrors.OrchestratorError
		if errors.As(err, &oe) && oe.Kind() == orcherrors.KindPolicy {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// P1 resolves a dump into a proposal/delta asynchronously and no store lookup
	// from dump id to delta id exists yet, so the dump's own id stands in for
	// delta_id -- the same simplification submitProposal uses for its own delta id.
	writeSuccess(w, map[string]any{"dump_id": dump.ID.String(), "delta_id": dump.ID.String()})
}

type submitProposalRequest struct {
	WorkspaceID domain.ID   `json:"workspace_id"`
	BasketID    domain.ID   `json:"basket_id"`
	Ops         []domain.Op `json:"ops"`
	RequestID   string      `json:"request_id"`
}

// submitProposal implements submit_proposal(proposal_draft, request_id) ->
// proposal_id, guarded by idempotency.Guard so a retried request_id never drafts a
// second proposal.
func (s *Server) submitProposal(w http.ResponseWriter, r *http.Request) {
	var req submitProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()

	if req.RequestID != "" {
		outcome, err := s.idempotent.Begin(ctx, req.RequestID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if outcome.AlreadySeen {
			writeSuccess(w, map[string]any{"already_submitted": true, "reference_id": outcome.DeltaID.String()})
			return
		}
	}

	proposal, err := s.governance.Draft(ctx, domain.Proposal{
		WorkspaceID: req.WorkspaceID, BasketID: req.BasketID,
		Origin: domain.OriginHuman, Ops: req.Ops,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if req.RequestID != "" && proposal.State == domain.ProposalCommitted {
		// The committed proposal's own id stands in as the idempotent reference;
		// CommitOutcome's delta id isn't threaded back through Engine.Draft's return.
		if err := s.idempotent.Resolve(ctx, req.RequestID, proposal.ID); err != nil {
			s.logger.Warn("statusapi: failed to resolve idempotency key", zap.Error(err))
		}
	}
	writeSuccess(w, map[string]any{"proposal_id": proposal.ID.String(), "state": string(proposal.State)})
}

type decisionRequest struct {
	Decision string `json:"decision"` // "approve" | "reject"
	Reason   string `json:"reason"`
	Actor    string `json:"actor"`
}

// decideProposal implements decide_proposal(proposal_id, decision, actor) -> state.
func (s *Server) decideProposal(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseID(chi.URLParam(r, "proposalID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var proposal domain.Proposal
	switch req.Decision {
	case "approve":
		proposal, err = s.governance.Approve(r.Context(), id, domain.OriginHuman)
	case "reject":
		proposal, err = s.governance.Reject(r.Context(), id, req.Reason)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("decision must be approve or reject, got %q", req.Decision))
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeSuccess(w, map[string]any{"state": string(proposal.State)})
}

// getWorkStatus implements get_work_status(work_id) -> status_view, combining the
// work item's own state with its cascade lineage (spec worked example: "shows
// completed_stages=[P1_SUBSTRATE, P3_REFLECTION]").
func (s *Server) getWorkStatus(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseID(chi.URLParam(r, "workID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lineage, err := s.cascade.Inspect(r.Context(), id, 10*time.Minute)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	completedStages := make([]string, 0, len(lineage.Children)+1)
	if lineage.Root.State == domain.WorkCompleted {
		completedStages = append(completedStages, string(lineage.Root.WorkType))
	}
	for _, c := range lineage.Children {
		if c.State == domain.WorkCompleted {
			completedStages = append(completedStages, string(c.WorkType))
		}
	}

	writeSuccess(w, map[string]any{
		"work_id":          lineage.Root.ID.String(),
		"state":            string(lineage.Root.State),
		"attempts":         lineage.Root.Attempts,
		"completed_stages": completedStages,
		"orphaned":         lineage.Orphaned,
		"last_activity_at": lineage.LastActivityAt,
	})
}

// subscribeEvents implements subscribe(topics) -> event_stream as Server-Sent
// Events, the simplest long-lived push format a plain net/http handler supports
// without an extra protocol library.
func (s *Server) subscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	var topics []domain.Topic
	for _, t := range r.URL.Query()["topic"] {
		topics = append(topics, domain.Topic(t))
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := s.bus.Subscribe(ctx, topics, domain.ID{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case err, ok := <-sub.Errs:
			if !ok {
				return
			}
			s.logger.Warn("statusapi: subscription error", zap.Error(err))
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, payload)
			flusher.Flush()
		}
	}
}
