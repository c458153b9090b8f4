// Package transport implements raft.Transport over gRPC. It deliberately
// avoids generated protobuf code (see codec.go): messages are the same
// raft.*Args/*Reply structs the in-process LocalTransport uses, carried as
// JSON via a custom grpc/encoding.Codec.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/orange-dot/roj-consensus/pkg/raft"
)

// GRPCTransport implements raft.Transport using a gRPC server/client pair.
type GRPCTransport struct {
	mu          sync.RWMutex
	localAddr   string
	node        nodeHandler
	server      *grpc.Server
	listener    net.Listener
	connections map[string]*grpc.ClientConn
	peerAddrs   map[string]string
	timeout     time.Duration
}

func NewGRPCTransport(addr string, peerAddrs map[string]string) *GRPCTransport {
	return &GRPCTransport{
		localAddr:   addr,
		connections: make(map[string]*grpc.ClientConn),
		peerAddrs:   peerAddrs,
		timeout:     5 * time.Second,
	}
}

// SetNode installs the raft node (or a test double) dispatched to by
// incoming RPCs.
func (t *GRPCTransport) SetNode(node nodeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.node = node
}

func (t *GRPCTransport) Start() error {
	listener, err := net.Listen("tcp", t.localAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.localAddr, err)
	}
	t.listener = listener

	t.server = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	t.mu.RLock()
	node := t.node
	t.mu.RUnlock()
	t.server.RegisterService(&serviceDesc, node)

	go t.server.Serve(listener)

	return nil
}

func (t *GRPCTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, conn := range t.connections {
		conn.Close()
	}
	if t.server != nil {
		t.server.GracefulStop()
	}
	if t.listener != nil {
		t.listener.Close()
	}
}

func (t *GRPCTransport) getConn(target string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if conn, ok := t.connections[target]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.connections[target]; ok {
		return conn, nil
	}

	addr, ok := t.peerAddrs[target]
	if !ok {
		return nil, fmt.Errorf("unknown peer: %s", target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	t.connections[target] = conn
	return conn, nil
}

func (t *GRPCTransport) RequestVote(target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	reply := new(raft.RequestVoteReply)
	if err := conn.Invoke(ctx, fullMethod("RequestVote"), args, reply, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *GRPCTransport) AppendEntries(target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	reply := new(raft.AppendEntriesReply)
	if err := conn.Invoke(ctx, fullMethod("AppendEntries"), args, reply, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *GRPCTransport) InstallSnapshot(target string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout*2)
	defer cancel()

	reply := new(raft.InstallSnapshotReply)
	if err := conn.Invoke(ctx, fullMethod("InstallSnapshot"), args, reply, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return reply, nil
}
