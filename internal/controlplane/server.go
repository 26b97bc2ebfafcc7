// Package controlplane is the HTTP control surface for the engine: request
// a riff, clear the queue, adjust the active permutation, toggle transport
// state, and read the Exchange Snapshot (spec §3, §4.2, §4.3.1, §4.4).
package controlplane

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/riffbeam/engine/internal/exchange"
	"github.com/riffbeam/engine/internal/ident"
	"github.com/riffbeam/engine/internal/mixer"
	"github.com/riffbeam/engine/internal/permutation"
	"github.com/riffbeam/engine/internal/pipeline"
	"github.com/riffbeam/engine/internal/riff"
)

// Engine is the subset of *mixer.Engine the control plane drives directly
// (permutation/transport commands not mediated by the fetch pipeline).
type Engine interface {
	ToggleMute() mixer.OperationId
	BeginRecording() mixer.OperationId
	StopRecording() mixer.OperationId
	EnqueuePermutation(permutation.Permutation) mixer.OperationId
	UpdateProgressionConfiguration(mixer.ProgressionConfig) mixer.OperationId
	State() mixer.State
}

// Pipeline is the subset of *pipeline.Pipeline the control plane drives.
type Pipeline interface {
	RequestRiff(id ident.RiffId, perm *permutation.Permutation)
	RequestClear()
}

// CacheBrowser is the read side of the local metadata cache: listing every
// riff held locally, independent of whatever the mixer currently has
// loaded (the jam-browser half of cache.jams.browser.cpp's trim/browse
// split — trim is stemcache.Cache.Prune).
type CacheBrowser interface {
	ListRiffs(ctx context.Context) ([]riff.Meta, error)
}

// Server mounts the engine's HTTP control-plane API (spec §2 "control
// surface the UI and any other client drives the engine through").
type Server struct {
	router   *chi.Mux
	engine   Engine
	pipeline Pipeline
	cache    CacheBrowser
	snapshot *exchange.Publisher
	logger   *slog.Logger
}

// NewServer builds a Server with all routes mounted. broadcaster and cache
// may be nil if no websocket relay / cache-browsing route is wired in this
// process.
func NewServer(engine Engine, pl Pipeline, cache CacheBrowser, snapshot *exchange.Publisher, broadcaster *exchange.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:   chi.NewRouter(),
		engine:   engine,
		pipeline: pl,
		cache:    cache,
		snapshot: snapshot,
		logger:   logger,
	}
	s.routes(broadcaster)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(broadcaster *exchange.Broadcaster) {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/snapshot", s.handleSnapshot)
	if broadcaster != nil {
		r.Get("/ws", broadcaster.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/riffs/{riffId}/play", s.handlePlayRiff)
		r.Post("/clear", s.handleClear)
		r.Post("/mute", s.handleMute)
		r.Post("/recording/start", s.handleRecordingStart)
		r.Post("/recording/stop", s.handleRecordingStop)
		r.Put("/permutation", s.handlePermutation)
		r.Put("/progression", s.handleProgression)
		r.Get("/cache/jams", s.handleListCachedJams)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot.Latest())
}

type permutationBody struct {
	GainMultiplier [permutation.NumStems]float64 `json:"gainMultiplier"`
	Muted          [permutation.NumStems]bool    `json:"muted"`
	Solo           [permutation.NumStems]bool    `json:"solo"`
}

func (b permutationBody) toPermutation() permutation.Permutation {
	return permutation.Permutation{GainMultiplier: b.GainMultiplier, Muted: b.Muted, Solo: b.Solo}
}

type playRiffBody struct {
	Permutation *permutationBody `json:"permutation,omitempty"`
}

// handlePlayRiff implements spec §4.2's request_riff(ident, permutation_opt)
// entry point: parse the riff id from the path, an optional permutation
// from the body, and enqueue the resolve/fetch/build request.
func (s *Server) handlePlayRiff(w http.ResponseWriter, r *http.Request) {
	id, err := parseRiffID(chi.URLParam(r, "riffId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body playRiffBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "decoding request body: "+err.Error())
			return
		}
	}

	var perm *permutation.Permutation
	if body.Permutation != nil {
		p := body.Permutation.toPermutation()
		perm = &p
	}

	s.pipeline.RequestRiff(id, perm)
	writeJSON(w, http.StatusAccepted, map[string]string{"riff_id": id.String()})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.pipeline.RequestClear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	op := s.engine.ToggleMute()
	writeJSON(w, http.StatusAccepted, opResponse(op))
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	op := s.engine.BeginRecording()
	writeJSON(w, http.StatusAccepted, opResponse(op))
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	op := s.engine.StopRecording()
	writeJSON(w, http.StatusAccepted, opResponse(op))
}

func (s *Server) handlePermutation(w http.ResponseWriter, r *http.Request) {
	var body permutationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "decoding request body: "+err.Error())
		return
	}
	op := s.engine.EnqueuePermutation(body.toPermutation())
	writeJSON(w, http.StatusAccepted, opResponse(op))
}

type progressionBody struct {
	TriggerPoint int  `json:"triggerPoint"`
	BlendTime    int  `json:"blendTime"`
	GreedyMode   bool `json:"greedyMode"`
}

func (s *Server) handleProgression(w http.ResponseWriter, r *http.Request) {
	var body progressionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "decoding request body: "+err.Error())
		return
	}
	cfg := mixer.ProgressionConfig{
		TriggerPoint: mixer.TriggerPoint(body.TriggerPoint),
		BlendTime:    mixer.BlendTime(body.BlendTime),
		GreedyMode:   body.GreedyMode,
	}
	op := s.engine.UpdateProgressionConfiguration(cfg)
	writeJSON(w, http.StatusAccepted, opResponse(op))
}

type cachedJamBody struct {
	RiffID       string  `json:"riffId"`
	BPM          float64 `json:"bpm"`
	QuarterBeats int     `json:"quarterBeats"`
	BarCount     int     `json:"barCount"`
}

// handleListCachedJams is the browse side of the local metadata cache: it
// lists every riff held locally without touching the live mixer, the
// control-plane counterpart to cache.jams.browser.cpp's jam browser.
func (s *Server) handleListCachedJams(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSON(w, http.StatusOK, []cachedJamBody{})
		return
	}
	metas, err := s.cache.ListRiffs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing cached jams: "+err.Error())
		return
	}
	body := make([]cachedJamBody, len(metas))
	for i, m := range metas {
		body[i] = cachedJamBody{
			RiffID:       m.RiffID.String(),
			BPM:          m.BPM,
			QuarterBeats: m.QuarterBeats,
			BarCount:     m.BarCount,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func opResponse(op mixer.OperationId) map[string]uint64 {
	return map[string]uint64{"operation_id": uint64(op)}
}

func parseRiffID(s string) (ident.RiffId, error) {
	var id ident.RiffId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, errInvalidRiffID
	}
	copy(id[:], b)
	return id, nil
}

var errInvalidRiffID = errors.New("riff id must be a 24-byte hex string")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// var assertions: *mixer.Engine and *pipeline.Pipeline satisfy the narrow
// interfaces above.
var (
	_ Engine       = (*mixer.Engine)(nil)
	_ Pipeline     = (*pipeline.Pipeline)(nil)
	_ CacheBrowser = (*pipeline.LocalStore)(nil)
)
