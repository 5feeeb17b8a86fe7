package ann

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ServerConfig configures a [Server].
type ServerConfig struct {
	// Strict switches the error policy from fail-open (every failure is
	// a 200 with an empty result list) to strict (failures map to HTTP
	// statuses with an error body). Fail-open is the default: clients
	// treat a degraded recommender as "no recommendations", and the
	// failure is still logged.
	Strict bool

	// Logger receives structured request diagnostics.
	// Nil means slog.Default().
	Logger *slog.Logger
}

// Server adapts one [Handle] (and its fallback chain) to HTTP.
//
//	POST <route>    similarity query, JSON body
//	GET  <route>    stored vector lookup, ?id= parameter
//
// Mount with http.Handle; [Server.StatusHandler] serves the handle status
// separately.
type Server struct {
	handle *Handle
	strict bool
	log    *slog.Logger
}

// NewServer creates an HTTP adapter for the given handle.
func NewServer(h *Handle, cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		handle: h,
		strict: cfg.Strict,
		log:    log.With("index", h.Name()),
	}
}

// queryPayload is the POST request body.
type queryPayload struct {
	ID          string    `json:"id"`
	Emb         []float32 `json:"emb"`
	K           int       `json:"k"`
	InclDist    bool      `json:"incl_dist"`
	InclScore   bool      `json:"incl_score"`
	ThreshScore *float64  `json:"thresh_score"`
}

// rec is one serialized neighbor.
type rec struct {
	ID    string   `json:"id"`
	Dist  *float32 `json:"dist,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// queryResponse is the POST response body. Recs is never null: an empty
// result serializes as an empty list.
type queryResponse struct {
	Recs   []rec  `json:"recs"`
	IDType string `json:"id_type"`
}

// ServeHTTP dispatches POST to the similarity query and GET to the vector
// lookup.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleQuery(w, r)
	case http.MethodGet:
		s.handleVector(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	start := time.Now()

	var payload queryPayload
	var ns []Neighbor
	err := json.NewDecoder(r.Body).Decode(&payload)
	if err != nil {
		err = fmt.Errorf("%w: parse body: %v", ErrInvalidQuery, err)
	} else {
		q := Query{
			ID:        payload.ID,
			Vector:    payload.Emb,
			K:         payload.K,
			InclDist:  payload.InclDist,
			InclScore: payload.InclScore,
			Threshold: payload.ThreshScore,
		}
		ns, err = s.handle.Resolve(r.Context(), q)
	}

	if err != nil {
		s.log.Error("query failed",
			"req_id", reqID,
			"id", payload.ID,
			"k", payload.K,
			"elapsed", time.Since(start),
			"error", err)
		if s.strict {
			writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
			return
		}
		// Fail open: degraded result, not an error status.
		writeJSON(w, http.StatusOK, queryResponse{Recs: []rec{}, IDType: "-"})
		return
	}

	recs := make([]rec, len(ns))
	for i, n := range ns {
		recs[i] = rec{ID: n.ID}
		if payload.InclDist && n.WithDist {
			d := n.Distance
			recs[i].Dist = &d
		}
		if payload.InclScore {
			if sc, ok := n.Score(); ok {
				recs[i].Score = &sc
			}
		}
	}

	s.log.Info("query served",
		"req_id", reqID,
		"id", payload.ID,
		"k", payload.K,
		"results", len(recs),
		"elapsed", time.Since(start))
	writeJSON(w, http.StatusOK, queryResponse{Recs: recs, IDType: "-"})
}

func (s *Server) handleVector(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		if s.strict {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id parameter"})
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	vec, err := s.handle.VectorForID(r.Context(), id)
	if err != nil {
		s.log.Error("vector lookup failed", "id", id, "error", err)
		if s.strict {
			writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	if vec == nil {
		// Unresolvable ids get an empty 200, matching the query fail-open shape.
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, vec)
}

// StatusHandler serves the handle's current status as JSON.
func (s *Server) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.handle.Status())
	})
}

// statusFor maps the resolution error taxonomy to strict-mode HTTP
// statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, ErrOutOfIndex):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
