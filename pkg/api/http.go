package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/orange-dot/roj-consensus/pkg/kv"
	"github.com/orange-dot/roj-consensus/pkg/partition"
	"github.com/orange-dot/roj-consensus/pkg/raft"
)

type HTTPHandler struct {
	node      *raft.Node
	store     *kv.Store
	partition *partition.Handler
	mux       *http.ServeMux
}

// NewHTTPHandler wires the KV/status API to node and store. partitionHandler
// may be nil, in which case writes are never gated on partition state.
func NewHTTPHandler(node *raft.Node, store *kv.Store, partitionHandler *partition.Handler) *HTTPHandler {
	h := &HTTPHandler{
		node:      node,
		store:     store,
		partition: partitionHandler,
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)

	return h
}

// canWrite reports whether the partition handler currently admits writes
// (Connected with quorum). A nil handler never blocks writes.
func (h *HTTPHandler) canWrite() bool {
	return h.partition == nil || h.partition.CanWrite()
}

func (h *HTTPHandler) respondPartitioned(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": "quorum unavailable, writes frozen",
		"state": h.partition.State().String(),
	})
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if !h.node.IsLeader() {
			h.respondNotLeader(w)
			return
		}

		value, err := h.node.Read(ctx, key)
		if err != nil {
			if err == raft.ErrNotLeader {
				h.respondNotLeader(w)
				return
			}
			if err == raft.ErrTimeout || err == context.DeadlineExceeded {
				http.Error(w, "request timeout", http.StatusGatewayTimeout)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if value == nil {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]json.RawMessage{"value": value})

	case http.MethodPut, http.MethodPost:
		if !h.canWrite() {
			h.respondPartitioned(w)
			return
		}

		var req struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		payload, err := kv.EncodeCommand(kv.OpSet, req.Value, "", 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if _, err := h.node.SubmitWithResult(ctx, key, payload); err != nil {
			if err == raft.ErrNotLeader {
				h.respondNotLeader(w)
				return
			}
			if err == context.DeadlineExceeded {
				http.Error(w, "request timeout", http.StatusGatewayTimeout)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	case http.MethodDelete:
		if !h.canWrite() {
			h.respondPartitioned(w)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		payload, err := kv.EncodeCommand(kv.OpDelete, nil, "", 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if _, err := h.node.SubmitWithResult(ctx, key, payload); err != nil {
			if err == raft.ErrNotLeader {
				h.respondNotLeader(w)
				return
			}
			if err == context.DeadlineExceeded {
				http.Error(w, "request timeout", http.StatusGatewayTimeout)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) respondNotLeader(w http.ResponseWriter) {
	leaderID := h.node.GetLeaderID()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     "not leader",
		"leader_id": leaderID,
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	term, isLeader := h.node.GetState()

	status := map[string]interface{}{
		"id":           h.node.GetID(),
		"term":         term,
		"is_leader":    isLeader,
		"leader_id":    h.node.GetLeaderID(),
		"commit_index": h.node.GetCommitIndex(),
		"cluster_size": h.node.GetClusterSize(),
	}
	if h.partition != nil {
		status["partition_state"] = h.partition.State().String()
		status["has_quorum"] = h.partition.HasQuorum()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
