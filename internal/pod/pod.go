// Package pod wires the per-process dependencies (room registry, op store,
// stream bridge, metrics, config) into one runnable HTTP server: the
// WebSocket session endpoint (§4.5/§6.1), the health check (§4.9/§6.4),
// and the Prometheus exposition endpoint (§6.4), plus graceful shutdown
// once the context passed to ListenAndServe is canceled (grounded on this
// codebase's cmd/gobfd-style server wiring).
package pod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/syncroom/pod/internal/authtoken"
	"github.com/syncroom/pod/internal/config"
	"github.com/syncroom/pod/internal/logger"
	"github.com/syncroom/pod/internal/metrics"
	"github.com/syncroom/pod/internal/opstore"
	"github.com/syncroom/pod/internal/room"
	"github.com/syncroom/pod/internal/session"
	"github.com/syncroom/pod/internal/stream"
)

// Pod composes one process's worth of room/storage/stream/metrics state
// behind an HTTP server.
type Pod struct {
	cfg        *config.Config
	configPath string
	store      *opstore.Store
	peer       *stream.PollBridge
	registry   *room.Registry
	verifier   *authtoken.Verifier
	metrics    *metrics.Collector

	hotMu sync.RWMutex
	hot   config.Hot

	srv *http.Server
}

// New builds a Pod from cfg. dsn is the op store DSN (sqlite file path or
// ":memory:"); peers is the list of sibling pods' base URLs for the
// stream poll bridge. configPath, if non-empty, is watched for live
// changes to the Hot subset of cfg (§9 config hot-reload). reg is the
// Prometheus registerer metrics are installed into; nil means
// prometheus.DefaultRegisterer (the real binary's choice — tests pass a
// throwaway prometheus.NewRegistry() so repeated Pods in one process
// don't collide on metric names).
func New(cfg *config.Config, dsn string, peers []string, configPath string, reg prometheus.Registerer) (*Pod, error) {
	store, err := opstore.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open op store: %w", err)
	}

	retention := stream.Retention{MaxEntries: cfg.StreamMaxEntries, MaxAge: cfg.StreamMaxAgeSecond}
	peerBridge := stream.NewPollBridge(cfg.PodID, retention, peers)

	collector := metrics.NewCollector(reg)

	p := &Pod{
		cfg:        cfg,
		configPath: configPath,
		store:      store,
		peer:       peerBridge,
		verifier:   authtoken.NewVerifier(cfg.EdgeTokenSecret),
		metrics:    collector,
		hot:        cfg.Hot,
	}

	p.registry = room.NewRegistry(cfg.MaxRoomsPerPod, cfg.IdleRoomGrace, p.buildCoordinator)
	p.registry.OnRejected(p.metrics.AdmissionRejected)
	return p, nil
}

// currentHot returns the live Hot config, reflecting the most recent
// successful reload from configPath if hot-reload is enabled.
func (p *Pod) currentHot() config.Hot {
	p.hotMu.RLock()
	defer p.hotMu.RUnlock()
	return p.hot
}

// applyHot is the config.WatchHot callback: it takes effect for rooms
// created and sessions attached from this point on. Rooms and sessions
// already running keep the limits they were built with.
func (p *Pod) applyHot(h config.Hot) {
	p.hotMu.Lock()
	p.hot = h
	p.hotMu.Unlock()
	p.registry.SetIdleGrace(h.IdleRoomGrace)
	logger.Info("config hot-reloaded",
		"idle_room_grace", h.IdleRoomGrace.String(),
		"egress_bytes", h.EgressBytes,
		"egress_frames", h.EgressFrames,
	)
}

func (p *Pod) buildCoordinator(roomID string) *room.Coordinator {
	p.metrics.RoomCreated()
	hot := p.currentHot()
	c := room.NewCoordinator(roomID, p.cfg.PodID, p.store, p.peer, stream.Retention{
		MaxEntries: hot.StreamMaxEntries,
		MaxAge:     hot.StreamMaxAgeSecond,
	})
	c.SetMaxSessions(p.cfg.MaxSessionsPerRoom)
	c.SetMetrics(p.metrics)
	c.SetPresenceTTL(hot.PresenceTTL)
	ctx := context.Background()
	if err := c.ReplayFromStore(ctx); err != nil {
		logger.RoomErr("replay from store failed", roomID, "", "opstore", err)
	}
	p.peer.PollRoom(ctx, roomID, 200*time.Millisecond)
	go c.ConsumePeerStream(ctx, 200*time.Millisecond)
	return c
}

// ListenAndServe starts the HTTP server and blocks until ctx is canceled,
// then drains in-flight sessions up to cfg.DrainTimeout before returning.
func (p *Pod) ListenAndServe(ctx context.Context) error {
	config.WatchHot(ctx, p.configPath, p.applyHot)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", p.handleWS)
	mux.HandleFunc("GET /health", p.handleHealth)
	mux.Handle("GET /metrics", p.metrics.Handler())
	mux.HandleFunc("GET /internal/stream/since", p.peer.Handler())

	p.srv = &http.Server{Addr: p.cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return p.shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// shutdown implements §4.9 graceful shutdown: stop accepting new sessions,
// send Control/Drain to every attached session and await their egress
// flush up to DrainTimeout, then close the HTTP server (ineffective for
// already-hijacked WebSocket connections, but stops new ones) and the op
// store.
func (p *Pod) shutdown() error {
	drainCtx, cancel := context.WithTimeout(context.Background(), p.currentHot().DrainTimeout)
	defer cancel()
	p.registry.DrainAll(drainCtx)

	shutCtx, cancel2 := context.WithTimeout(context.Background(), p.currentHot().DrainTimeout)
	defer cancel2()
	if err := p.srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return p.store.Close()
}

func (p *Pod) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}

	transport, err := acceptWebsocket(w, r)
	if err != nil {
		return
	}

	hot := p.currentHot()
	id := uuid.New().String()
	limits := session.Limits{
		PresenceRate:      20,
		PresenceBurst:     5,
		StorageRate:       200,
		StorageBurst:      50,
		EgressMaxBytes:    hot.EgressBytes,
		EgressMaxFrames:   hot.EgressFrames,
		SlowClientGrace:   hot.SlowClientTimeout,
		KeepaliveInterval: 20 * time.Second,
		KeepaliveTimeout:  40 * time.Second,
		MalformedLimit:    8,
		MalformedWindow:   10 * time.Second,
	}

	s, err := session.Open(r.Context(), id, transport, token, p.verifier, p.registry, limits)
	if err != nil {
		logger.Warn("session open failed", "err", err)
		return
	}
	s.SetMetrics(p.metrics)
	p.metrics.SessionAttached(s.RoomID())
	defer p.metrics.SessionDetached(s.RoomID())

	session.Run(r.Context(), s)
	p.metrics.SessionClosed(string(s.CloseReason()))
}

// healthResponse is the §4.9/§6.4 health payload.
type healthResponse struct {
	Status string `json:"status"`
	PodID  string `json:"pod_id"`
	Rooms  int    `json:"rooms"`
}

func (p *Pod) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := p.store.LatestSeq(ctx, "__healthcheck__"); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, healthResponse{Status: "op store unreachable", PodID: p.cfg.PodID, Rooms: p.registry.Len()})
		return
	}

	// §4.9: healthy requires the stream bridge to be keeping up, not just
	// the op store being reachable. A room's lag reaching the retention
	// window (StreamMaxEntries) means it is on the verge of a forced full
	// resync (§4.7), so that's the threshold.
	if threshold := p.currentHot().StreamMaxEntries; threshold > 0 {
		if lag := p.registry.MaxStreamLag(); lag >= threshold {
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, healthResponse{Status: "stream bridge lag exceeded threshold", PodID: p.cfg.PodID, Rooms: p.registry.Len()})
			return
		}
	}

	writeJSON(w, healthResponse{Status: "ok", PodID: p.cfg.PodID, Rooms: p.registry.Len()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
