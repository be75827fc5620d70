package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/cache"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/queue/redisqueue"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/app"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/config"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	obs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/observability"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/usecase"
)

// Deps is everything the HTTP surface needs.
type Deps struct {
	Cfg        config.Config
	Service    *usecase.Service
	Caches     *cache.Manager
	Queue      *redisqueue.Queue
	Store      rediskv.Store
	Breaker    interface{ GetStats() map[string]interface{} }
	Resetter   interface{ Reset() }
	AutoStop   *app.AutoStop
	Migration  *app.Migration
	Reconciler *app.Reconciler
}

// Server carries the handler dependencies.
type Server struct {
	deps Deps
}

// NewServer builds the handler set.
func NewServer(deps Deps) *Server { return &Server{deps: deps} }

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var req usecase.CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrValidation))
		return
	}
	resp, err := s.deps.Service.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// decodeOptionalBody decodes an optional JSON body. No body at all is fine;
// a present but malformed one is a validation error.
func decodeOptionalBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON body", domain.ErrValidation)
	}
	return nil
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := usecase.ListOptions{
		Source:              q.Get("source"),
		IncludeProviderOnly: q.Get("includeProviderOnly") == "true",
		SyncLocalState:      q.Get("syncLocalState") == "true",
	}
	res, err := s.deps.Service.List(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	var opts usecase.StartOptions
	if err := decodeOptionalBody(r, &opts); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.deps.Service.Start(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) stopInstance(w http.ResponseWriter, r *http.Request) {
	var opts usecase.StopOptions
	if err := decodeOptionalBody(r, &opts); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.deps.Service.Stop(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	var opts usecase.DeleteOptions
	if err := decodeOptionalBody(r, &opts); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.deps.Service.Delete(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) updateLastUsed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LastUsedAt *time.Time `json:"lastUsedAt"`
	}
	if err := decodeOptionalBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	inst, err := s.deps.Service.UpdateLastUsed(r.Context(), chi.URLParam(r, "id"), body.LastUsedAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instanceId": inst.ID,
		"lastUsedAt": inst.LastUsedAt,
	})
}

func (s *Server) triggerAutoStop(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dryRun") == "true"
	res, err := s.deps.AutoStop.RunOnce(r.Context(), dryRun)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) autoStopStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.AutoStop.Stats())
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.AutoStop.StopAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Reconciler.Run(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) triggerMigration(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dryRun") == "true"
	res, err := s.deps.Migration.RunOnce(r.Context(), dryRun)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Caches.Stats(r.Context()))
}

func (s *Server) cacheClear(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if err := s.deps.Caches.Clear(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// hardReset wipes the whole keyspace and resets the circuit breaker. This is
// the break-glass admin action after an incident left state inconsistent.
func (s *Server) hardReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keys, err := s.deps.Store.Scan(ctx, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	const chunk = 100
	for i := 0; i < len(keys); i += chunk {
		end := i + chunk
		if end > len(keys) {
			end = len(keys)
		}
		if err := s.deps.Store.Del(ctx, keys[i:end]...); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if s.deps.Resetter != nil {
		s.deps.Resetter.Reset()
	}
	obs.LoggerFromContext(ctx).Warn("hard reset executed", "keys_removed", len(keys))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "reset",
		"keysRemoved": len(keys),
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	depth, _ := s.deps.Queue.Depth(r.Context())
	body := map[string]any{
		"status":     "ok",
		"store_mode": string(s.deps.Store.Mode()),
		"queue":      s.deps.Queue.Stats(r.Context()),
		"depth":      depth,
		"migration":  s.deps.Migration.Stats(),
	}
	if s.deps.Breaker != nil {
		body["circuit_breaker"] = s.deps.Breaker.GetStats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
