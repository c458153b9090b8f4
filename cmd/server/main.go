package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/orange-dot/roj-consensus/pkg/api"
	"github.com/orange-dot/roj-consensus/pkg/kv"
	"github.com/orange-dot/roj-consensus/pkg/partition"
	"github.com/orange-dot/roj-consensus/pkg/raft"
	"github.com/orange-dot/roj-consensus/pkg/transport"
	"github.com/orange-dot/roj-consensus/pkg/wal"
)

func main() {
	// Parse command-line flags
	nodeID := flag.String("id", "", "Node ID")
	addr := flag.String("addr", "", "gRPC listen address (e.g., localhost:5000)")
	httpAddr := flag.String("http", "", "HTTP API listen address (e.g., localhost:8000)")
	peers := flag.String("peers", "", "Comma-separated list of peer addresses (id1=addr1,id2=addr2)")
	walDir := flag.String("wal", "", "WAL directory path")
	fsync := flag.Bool("fsync", true, "fsync the WAL after every append")
	flag.Parse()

	if *nodeID == "" || *addr == "" || *httpAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Parse peer addresses
	peerAddrs := make(map[string]string)
	peerIDs := make([]string, 0)
	if *peers != "" {
		for _, peer := range strings.Split(*peers, ",") {
			parts := strings.Split(peer, "=")
			if len(parts) == 2 {
				peerAddrs[parts[0]] = parts[1]
				if parts[0] != *nodeID {
					peerIDs = append(peerIDs, parts[0])
				}
			}
		}
	}
	peerAddrs[*nodeID] = *addr

	// Set WAL directory
	walPath := *walDir
	if walPath == "" {
		walPath = fmt.Sprintf("/tmp/raft-wal-%s", *nodeID)
	}

	log.Printf("Starting Raft node %s", *nodeID)
	log.Printf("gRPC address: %s", *addr)
	log.Printf("HTTP address: %s", *httpAddr)
	log.Printf("Peers: %v", peerIDs)
	log.Printf("WAL path: %s", walPath)

	// Create WAL
	walInstance, err := wal.New(walPath, *fsync)
	if err != nil {
		log.Fatalf("Failed to create WAL: %v", err)
	}

	// Create state machine
	store := kv.New()

	// Create transport
	grpcTransport := transport.NewGRPCTransport(*addr, peerAddrs)

	// Create Raft node
	config := raft.NodeConfig{
		ID:                 *nodeID,
		Peers:              peerIDs,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		WALPath:            walPath,
		SnapshotThreshold:  1000,
		MaxAppendEntries:   8,
	}

	node := raft.NewNode(config, grpcTransport, walInstance, store)
	grpcTransport.SetNode(node)
	if err := grpcTransport.Start(); err != nil {
		log.Fatalf("Failed to start transport: %v", err)
	}

	if err := node.Start(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	// Partition handler tracks peer liveness off the transport's own
	// contact timestamps and drives the quorum-loss/freeze/reconcile state
	// machine; it never touches the log, only gates writes.
	partitionHandler := partition.NewHandler(*nodeID, len(peerIDs)+1, log.Default())
	for _, p := range peerIDs {
		partitionHandler.AddPeer(p)
	}
	partitionHandler.OnStateChange(func(state partition.State) {
		log.Printf("partition state -> %s", state)
	})

	stopPartition := make(chan struct{})
	go func() {
		ticker := time.NewTicker(partition.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, p := range peerIDs {
					if time.Since(node.LastContact(p)) < partition.SilenceTimeout {
						partitionHandler.PeerSeen(p)
					}
				}
				partitionHandler.Tick()
			case <-stopPartition:
				return
			}
		}
	}()

	// Create HTTP API server
	apiServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.NewHTTPHandler(node, store, partitionHandler),
	}

	go func() {
		log.Printf("HTTP API listening on %s", *httpAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	apiServer.Shutdown(ctx)
	close(stopPartition)
	grpcTransport.Stop()
	node.Stop()
	walInstance.Close()

	log.Println("Shutdown complete")
}