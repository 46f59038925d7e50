package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/eventbus"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/routing"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

// Server serves the directory API over a MappingStore. Accepted updates are
// applied to the store and then broadcast on the source's update topic.
type Server struct {
	store  MappingStore
	bus    eventbus.Publisher
	logger *zap.Logger
}

// NewServer creates a directory server. bus may be nil, in which case updates
// are only persisted.
func NewServer(store MappingStore, bus eventbus.Publisher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: store, bus: bus, logger: logger}
}

// RegisterRoutes registers the directory routes with the router
func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc(getMappingPath, s.GetMapping).Methods("GET", "POST")
	router.HandleFunc(updateMappingPath, s.UpdateMapping).Methods("POST")
}

// Handler returns a standalone handler serving the directory routes
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.RegisterRoutes(router)
	return router
}

// GetMapping handles GET/POST /routing/getMapping
func (s *Server) GetMapping(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("sourceId")
	if sourceID == "" && r.Method == http.MethodPost {
		var body struct {
			SourceID string `json:"sourceId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			sourceID = body.SourceID
		}
	}
	if sourceID == "" {
		http.Error(w, "sourceId is required", http.StatusBadRequest)
		return
	}

	shards, err := s.store.Mapping(r.Context(), sourceID)
	if errors.Is(err, ErrUnknownSource) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get mapping: %v", err), http.StatusInternalServerError)
		return
	}
	if shards == nil {
		shards = []shard.Descriptor{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"sourceId": sourceID,
		"shards":   shards,
	})
}

// UpdateMapping handles POST /routing/updateMapping
func (s *Server) UpdateMapping(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.SourceID == "" {
		http.Error(w, "sourceId is required", http.StatusBadRequest)
		return
	}

	cmd, err := routing.DecodeCommand(req.Command, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.Apply(r.Context(), req.SourceID, cmd); err != nil {
		http.Error(w, fmt.Sprintf("Failed to apply update: %v", err), http.StatusInternalServerError)
		return
	}

	if s.bus != nil {
		msg, err := json.Marshal(cmd)
		if err == nil {
			err = s.bus.Publish(r.Context(), routing.TopicFor(req.SourceID), msg)
		}
		if err != nil {
			s.logger.Error("Mapping updated but broadcast failed",
				zap.String("source_id", req.SourceID),
				zap.String("command", string(cmd.Command)),
				zap.Error(err))
			http.Error(w, fmt.Sprintf("Update persisted but not broadcast: %v", err), http.StatusBadGateway)
			return
		}
	}

	s.logger.Info("Mapping updated",
		zap.String("source_id", req.SourceID),
		zap.String("command", string(cmd.Command)))
	w.WriteHeader(http.StatusNoContent)
}
