package media

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/glyphoxa/internal/gateway/bus"
	"github.com/MrWong99/glyphoxa/internal/gateway/connection"
	"github.com/MrWong99/glyphoxa/internal/gateway/session"
	"github.com/MrWong99/glyphoxa/internal/observe"
)

// NegotiateTimeout bounds a single offer/answer exchange.
const NegotiateTimeout = 30 * time.Second

// channel is one accepted media pipeline, keyed by pc_id.
type channel struct {
	id        string
	pipeline  Pipeline
	connID    string
	sessionID string
}

// Handler implements the media offer endpoint described in spec §6.
type Handler struct {
	Conns    *connection.Registry
	Sessions *session.Registry
	Bus      *bus.Bus
	NewPipeline Factory
	Logger   *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel
}

// New constructs a Handler. logger defaults to slog.Default() if nil.
func New(conns *connection.Registry, sessions *session.Registry, b *bus.Bus, factory Factory, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Conns:       conns,
		Sessions:    sessions,
		Bus:         b,
		NewPipeline: factory,
		Logger:      logger,
		channels:    make(map[string]*channel),
	}
}

type offerRequest struct {
	SDP                 string `json:"sdp"`
	Type                string `json:"type"`
	PCID                string `json:"pc_id,omitempty"`
	RestartPC           bool   `json:"restart_pc,omitempty"`
	BackendConnectionID string `json:"backend_connection_id,omitempty"`
	SessionID           string `json:"session_id,omitempty"`
	ThreadID            string `json:"thread_id,omitempty"`
}

type offerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	PCID string `json:"pc_id"`
}

// ServeHTTP implements the {sdp,type,pc_id?,restart_pc?,
// backend_connection_id?,session_id?,thread_id?} -> {sdp,type,pc_id}
// contract of spec §6's media offer endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SDP == "" || req.Type == "" {
		http.Error(w, "sdp and type are required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), NegotiateTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		observe.DefaultMetrics().MediaNegotiationDuration.Record(r.Context(), time.Since(start).Seconds())
	}()

	if req.PCID != "" {
		h.mu.Lock()
		existing, ok := h.channels[req.PCID]
		h.mu.Unlock()
		if ok {
			h.renegotiate(ctx, w, existing, req)
			return
		}
	}

	h.create(ctx, w, req)
}

// renegotiate drives an existing pipeline through a fresh offer/answer
// exchange, matching webrtc.py's reuse-if-pc_id-known branch.
func (h *Handler) renegotiate(ctx context.Context, w http.ResponseWriter, ch *channel, req offerRequest) {
	answer, err := ch.pipeline.Negotiate(ctx, req.SDP, req.RestartPC)
	if err != nil {
		h.Logger.Error("media: renegotiation failed", "pc_id", ch.id, "error", err)
		http.Error(w, "renegotiation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, offerResponse{SDP: answer, Type: "answer", PCID: ch.id})
}

// create resolves the owning control connection (directly, or indirectly
// through a session id), builds a fresh pipeline, negotiates the initial
// answer, and links the pipeline into C1/C2 per spec §4.9.
func (h *Handler) create(ctx context.Context, w http.ResponseWriter, req offerRequest) {
	connID, threadID, ok := h.resolveConnection(req)
	if !ok {
		http.Error(w, "no connection could be resolved for this offer", http.StatusBadRequest)
		return
	}

	cc := h.Conns.Get(connID)
	if cc == nil {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}

	pcID := uuid.NewString()
	sink := newConnectionSink(h.Conns, h.Sessions, h.Bus, connID, req.SessionID)

	var once sync.Once
	onClosed := func() {
		once.Do(func() { h.discard(pcID) })
	}

	pipeline, err := h.NewPipeline(ctx, sink, onClosed)
	if err != nil {
		h.Logger.Error("media: pipeline construction failed", "connection_id", connID, "error", err)
		http.Error(w, "pipeline construction failed", http.StatusInternalServerError)
		return
	}

	answer, err := pipeline.Negotiate(ctx, req.SDP, req.RestartPC)
	if err != nil {
		h.Logger.Error("media: negotiation failed", "connection_id", connID, "error", err)
		_ = pipeline.Close(ctx)
		http.Error(w, "negotiation failed", http.StatusInternalServerError)
		return
	}

	cc.BindMedia(pipeline, threadID)
	if req.SessionID != "" {
		if err := h.Sessions.BindMedia(req.SessionID, pcID, threadID); err != nil {
			h.Logger.Warn("media: session binding failed", "session_id", req.SessionID, "pc_id", pcID, "error", err)
		}
	}

	h.mu.Lock()
	h.channels[pcID] = &channel{id: pcID, pipeline: pipeline, connID: connID, sessionID: req.SessionID}
	h.mu.Unlock()

	writeJSON(w, offerResponse{SDP: answer, Type: "answer", PCID: pcID})
}

// resolveConnection implements spec §4.9's offer-acceptance resolution
// order: an explicit backend_connection_id wins outright; otherwise a
// session id is resolved through C1 to its currently bound control
// channel. thread_id on the request overrides the session's own thread.
func (h *Handler) resolveConnection(req offerRequest) (connID, threadID string, ok bool) {
	threadID = req.ThreadID

	if req.BackendConnectionID != "" {
		return req.BackendConnectionID, threadID, true
	}
	if req.SessionID != "" {
		sess, found := h.Sessions.Get(req.SessionID)
		if !found || sess.ControlID == "" {
			return "", "", false
		}
		if threadID == "" {
			threadID = sess.ThreadID
		}
		return sess.ControlID, threadID, true
	}
	return "", "", false
}

// discard unregisters pcID from every registry it was linked into,
// mirroring webrtc.py's default_on_closed / pcs_map.pop. Called either from
// a pipeline's onClosed callback or from Close.
func (h *Handler) discard(pcID string) {
	h.mu.Lock()
	ch, ok := h.channels[pcID]
	if ok {
		delete(h.channels, pcID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if ch.sessionID != "" {
		h.Sessions.UnbindMedia(pcID)
	}
	if cc := h.Conns.Get(ch.connID); cc != nil {
		if handle, _ := cc.MediaHandle().(Pipeline); handle == ch.pipeline {
			cc.UnbindMedia()
		}
	}
	h.Logger.Info("media: channel discarded", "pc_id", pcID, "connection_id", ch.connID)
}

// Close tears down channel pcID explicitly, for callers that own an
// out-of-band signal that a channel is done (no such endpoint exists on
// the wire contract today; exposed for host-process shutdown and tests).
func (h *Handler) Close(ctx context.Context, pcID string) error {
	h.mu.Lock()
	ch, ok := h.channels[pcID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	err := ch.pipeline.Close(ctx)
	h.discard(pcID)
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
