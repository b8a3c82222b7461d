package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/npc-world/internal/apperr"
	"github.com/nidhogg/npc-world/internal/memory"
	"github.com/nidhogg/npc-world/internal/orchestrator"
	"github.com/nidhogg/npc-world/internal/provider"
	"github.com/nidhogg/npc-world/internal/world"
	"go.uber.org/zap"
)

// MemoryReader loads a character's memories.
type MemoryReader interface {
	LoadMemories(ctx context.Context, name string) (*memory.System, error)
}

// RelationReader lists a character's mirrored relationships.
type RelationReader interface {
	Relations(ctx context.Context, owner string) ([]world.Relation, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine    *orchestrator.Engine
	memories  MemoryReader
	clock     *world.WorldClock
	providers *provider.Router
	relations RelationReader
	logger    *zap.Logger
}

// NewHandler creates a new API handler. clock, providers and relations may be nil.
func NewHandler(
	engine *orchestrator.Engine,
	memories MemoryReader,
	clock *world.WorldClock,
	providers *provider.Router,
	relations RelationReader,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		engine:    engine,
		memories:  memories,
		clock:     clock,
		providers: providers,
		relations: relations,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/world", h.worldStatus)

		r.Post("/turns", h.executeTurn)
		r.Get("/turns/last", h.lastTurn)

		r.Post("/characters", h.addCharacter)
		r.Get("/characters/{name}", h.getCharacter)
		r.Put("/characters/{name}/state", h.setCharacterState)
		r.Get("/characters/{name}/memories", h.getMemories)
		r.Get("/characters/{name}/relations", h.getRelations)

		r.Post("/clock/start", h.startClock)
		r.Post("/clock/stop", h.stopClock)

		r.Get("/providers", h.listProviders)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "world": "npc"})
}

type worldResponse struct {
	Characters   map[string]world.Character `json:"characters"`
	Contracts    map[string]world.Contract  `json:"contracts"`
	Turns        int                        `json:"turns"`
	ClockRunning bool                       `json:"clock_running"`
}

func (h *Handler) worldStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.State().Snapshot()
	writeJSON(w, http.StatusOK, worldResponse{
		Characters:   snap.Characters,
		Contracts:    snap.Contracts,
		Turns:        h.engine.Turns(),
		ClockRunning: h.clock != nil && h.clock.Running(),
	})
}

func (h *Handler) executeTurn(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ExecuteTurn(r.Context())
	if err != nil {
		h.logger.Warn("turn via API failed", zap.Error(err))
		writeError(w, turnStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// turnStatus maps a failed turn to an HTTP status.
func turnStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case apperr.IsBackend(err), apperr.IsParse(err):
		return http.StatusBadGateway
	case apperr.IsConsistency(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) lastTurn(w http.ResponseWriter, r *http.Request) {
	last := h.engine.LastTurn()
	if last == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no turn has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, last)
}

type addCharacterRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Activity string `json:"activity"`
}

func (h *Handler) addCharacter(w http.ResponseWriter, r *http.Request) {
	var req addCharacterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	c := world.NewCharacter(req.Name)
	if req.Location != "" {
		c.Location = req.Location
	}
	if req.Activity != "" {
		c.Activity = req.Activity
	}
	if err := h.engine.State().AddCharacter(c); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, world.ErrCharacterExists) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) getCharacter(w http.ResponseWriter, r *http.Request) {
	c, ok := h.engine.State().Character(chi.URLParam(r, "name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "character not found"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type stateRequest struct {
	Location string `json:"location"`
	Activity string `json:"activity"`
}

func (h *Handler) setCharacterState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req stateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.engine.State().SetCharacterState(name, req.Location, req.Activity); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, world.ErrCharacterNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	c, _ := h.engine.State().Character(name)
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) getMemories(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.engine.State().Character(name); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "character not found"})
		return
	}
	mem, err := h.memories.LoadMemories(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (h *Handler) getRelations(w http.ResponseWriter, r *http.Request) {
	if h.relations == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "relation graph not configured"})
		return
	}
	rels, err := h.relations.Relations(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if rels == nil {
		rels = []world.Relation{}
	}
	writeJSON(w, http.StatusOK, rels)
}

func (h *Handler) startClock(w http.ResponseWriter, r *http.Request) {
	if h.clock == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "world clock not configured"})
		return
	}
	h.clock.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (h *Handler) stopClock(w http.ResponseWriter, r *http.Request) {
	if h.clock == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "world clock not configured"})
		return
	}
	h.clock.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

type providerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	out := []providerInfo{}
	if h.providers != nil {
		for _, p := range h.providers.ListProviders() {
			out = append(out, providerInfo{ID: p.ID(), Name: p.Name()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]string{"error": err.Error()}
	if k := apperr.KindOf(err); k != "" {
		body["kind"] = string(k)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
