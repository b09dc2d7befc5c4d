package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/zde37/kadnode/internal/kademlia"
	"github.com/zde37/kadnode/internal/wire"
	"github.com/zde37/kadnode/pkg"
	"github.com/zde37/kadnode/pkg/hash"
)

// requestTimeout bounds the DHT work done for a single HTTP request.
const requestTimeout = 30 * time.Second

// Server is the HTTP admin API of a node.
type Server struct {
	node       *kademlia.Node
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	logger     *pkg.Logger
}

// NewServer creates an API server for node and subscribes its WebSocket hub
// to the node's routing events.
func NewServer(node *kademlia.Node, logger *pkg.Logger) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	wsHub := NewWebSocketHub(logger, node.Config().AllowedOrigins)
	node.SetBroadcaster(wsHub)

	return &Server{
		node:   node,
		wsHub:  wsHub,
		logger: logger.WithFields(pkg.Fields{"component": "http_api"}),
	}, nil
}

// Handler returns the API routes wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /api/node", s.nodeHandler)
	mux.HandleFunc("GET /api/routing", s.routingHandler)
	mux.HandleFunc("DELETE /api/routing/{id}", s.removeContactHandler)
	mux.HandleFunc("GET /api/values", s.listValuesHandler)
	mux.HandleFunc("GET /api/values/{key}", s.getValueHandler)
	mux.HandleFunc("PUT /api/values/{key}", s.putValueHandler)
	mux.HandleFunc("DELETE /api/values/{key}", s.deleteValueHandler)
	mux.HandleFunc("GET /api/lookup/{id}", s.lookupHandler)
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	return corsMiddleware(mux)
}

// Start starts the HTTP server on port; 0 picks an ephemeral port.
func (s *Server) Start(port int) error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.wsHub.Start()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.node.SetBroadcaster(nil)
	s.wsHub.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

type contactJSON struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

func toContactsJSON(contacts []wire.Contact) []contactJSON {
	out := make([]contactJSON, len(contacts))
	for i, c := range contacts {
		out[i] = contactJSON{ID: c.ID.String(), Address: c.Address()}
	}
	return out
}

type nodeResponse struct {
	ID      string             `json:"id"`
	Address string             `json:"address"`
	K       int                `json:"k"`
	Alpha   int                `json:"alpha"`
	Stats   kademlia.NodeStats `json:"stats"`
}

type bucketResponse struct {
	Index       int           `json:"index"`
	Contacts    []contactJSON `json:"contacts"`
	LastUpdated time.Time     `json:"last_updated"`
}

type putResponse struct {
	Key      string `json:"key"`
	Replicas int    `json:"replicas"`
}

type lookupResponse struct {
	LookupID string        `json:"lookup_id"`
	Target   string        `json:"target"`
	Rounds   int           `json:"rounds"`
	Queried  int           `json:"queried"`
	Contacts []contactJSON `json:"contacts"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) nodeHandler(w http.ResponseWriter, r *http.Request) {
	cfg := s.node.Config()
	writeJSON(w, http.StatusOK, nodeResponse{
		ID:      s.node.ID().String(),
		Address: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		K:       cfg.K,
		Alpha:   cfg.Alpha,
		Stats:   s.node.Stats(),
	})
}

func (s *Server) routingHandler(w http.ResponseWriter, r *http.Request) {
	buckets := s.node.RoutingTable().Buckets()
	out := make([]bucketResponse, len(buckets))
	for i, b := range buckets {
		out[i] = bucketResponse{
			Index:       b.Index,
			Contacts:    toContactsJSON(b.Contacts),
			LastUpdated: b.LastUpdated,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": out})
}

// removeContactHandler evicts a contact from the routing table.
func (s *Server) removeContactHandler(w http.ResponseWriter, r *http.Request) {
	id, err := hash.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.node.RoutingTable().Remove(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("contact %s not in routing table", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listValuesHandler lists the keys held locally.
func (s *Server) listValuesHandler(w http.ResponseWriter, r *http.Request) {
	keys, err := s.node.Store().Keys(r.Context())
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	sort.Strings(keys)
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// deleteValueHandler drops the local copy of a value. Replicas on other
// nodes are left alone.
func (s *Server) deleteValueHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Store().Delete(r.Context(), []byte(r.PathValue("key"))); err != nil {
		s.writeNodeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getValueHandler returns the raw value bytes.
func (s *Server) getValueHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	key := r.PathValue("key")
	value, err := s.node.Get(ctx, []byte(key))
	if err != nil {
		s.writeNodeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

// putValueHandler stores the raw request body under key.
func (s *Server) putValueHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	key := r.PathValue("key")
	value, err := io.ReadAll(io.LimitReader(r.Body, wire.MaxFieldLength+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}

	replicas, err := s.node.Put(ctx, []byte(key), value)
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, putResponse{Key: key, Replicas: replicas})
}

func (s *Server) lookupHandler(w http.ResponseWriter, r *http.Request) {
	target, err := hash.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	result, err := s.node.FindNode(ctx, target)
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse{
		LookupID: result.ID,
		Target:   target.String(),
		Rounds:   result.Rounds,
		Queried:  result.Queried,
		Contacts: toContactsJSON(result.Contacts),
	})
}

// writeNodeError maps node errors onto HTTP statuses.
func (s *Server) writeNodeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, kademlia.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, wire.ErrFieldTooLong):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, kademlia.ErrNoContacts):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
