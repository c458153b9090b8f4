package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orange-dot/roj-consensus/pkg/harness"
	"github.com/orange-dot/roj-consensus/pkg/partition"
)

// TestHTTPWriteRejectedWithoutQuorum covers the write-admission gate: a
// PUT against a handler with no reachable peers must 503 rather than
// reach the raft layer.
func TestHTTPWriteRejectedWithoutQuorum(t *testing.T) {
	cluster, err := harness.NewTestCluster(1)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	defer cluster.Cleanup()
	if err := cluster.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := cluster.WaitForStableLeader(5 * time.Second); err != nil {
		t.Fatalf("no leader: %v", err)
	}

	ph := partition.NewHandler(cluster.Nodes[0].GetID(), 3, nil)
	ph.AddPeer("node-1")
	ph.AddPeer("node-2")
	ph.RemovePeer("node-1")
	ph.RemovePeer("node-2")

	if ph.CanWrite() {
		t.Fatal("expected CanWrite to be false with no reachable peers in a 3-node cluster")
	}

	handler := NewHTTPHandler(cluster.Nodes[0], cluster.Stores[0], ph)

	body, _ := json.Marshal(map[string]interface{}{"value": 42})
	req := httptest.NewRequest(http.MethodPut, "/kv/x", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when quorum is unavailable, got %d", rec.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] != "quorum unavailable, writes frozen" {
		t.Errorf("unexpected error body: %+v", resp)
	}
}

// TestHTTPWriteAndReadRoundTrip covers the ordinary path: a write commits
// through raft and a subsequent linearizable read observes it.
func TestHTTPWriteAndReadRoundTrip(t *testing.T) {
	cluster, err := harness.NewTestCluster(1)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	defer cluster.Cleanup()
	if err := cluster.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := cluster.WaitForStableLeader(5 * time.Second); err != nil {
		t.Fatalf("no leader: %v", err)
	}

	handler := NewHTTPHandler(cluster.Nodes[0], cluster.Stores[0], nil)

	body, _ := json.Marshal(map[string]interface{}{"value": 7})
	putReq := httptest.NewRequest(http.MethodPut, "/kv/x", bytes.NewReader(body))
	putRec := httptest.NewRecorder()
	handler.ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on write, got %d: %s", putRec.Code, putRec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/kv/x", nil)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on read, got %d: %s", getRec.Code, getRec.Body.String())
	}

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(getRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode read response: %v", err)
	}
	if string(resp["value"]) != "7" {
		t.Errorf("expected value 7, got %s", resp["value"])
	}
}

// TestHTTPStatusReportsPartitionState covers /status surfacing
// partition_state and has_quorum when a partition handler is present.
func TestHTTPStatusReportsPartitionState(t *testing.T) {
	cluster, err := harness.NewTestCluster(1)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	defer cluster.Cleanup()
	if err := cluster.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := cluster.WaitForStableLeader(5 * time.Second); err != nil {
		t.Fatalf("no leader: %v", err)
	}

	ph := partition.NewHandler(cluster.Nodes[0].GetID(), 1, nil)
	handler := NewHTTPHandler(cluster.Nodes[0], cluster.Stores[0], ph)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if _, ok := resp["partition_state"]; !ok {
		t.Error("expected partition_state in status response")
	}
	if _, ok := resp["has_quorum"]; !ok {
		t.Error("expected has_quorum in status response")
	}
}
