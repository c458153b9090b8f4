package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/orange-dot/roj-consensus/pkg/raft"
)

// serviceName is the RPC path prefix used by the hand-registered service
// descriptor below, playing the role a .proto package name would.
const serviceName = "roj.consensus.Raft"

// nodeHandler is the subset of raft.Node the service dispatches into. It is
// satisfied by *raft.Node; kept as an interface so tests can substitute a
// fake without constructing a real node.
type nodeHandler interface {
	HandleRequestVote(*raft.RequestVoteArgs) *raft.RequestVoteReply
	HandleAppendEntries(*raft.AppendEntriesArgs) *raft.AppendEntriesReply
	HandleInstallSnapshot(*raft.InstallSnapshotArgs) *raft.InstallSnapshotReply
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	args := new(raft.RequestVoteArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	return srv.(nodeHandler).HandleRequestVote(args), nil
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	args := new(raft.AppendEntriesArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	return srv.(nodeHandler).HandleAppendEntries(args), nil
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	args := new(raft.InstallSnapshotArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	return srv.(nodeHandler).HandleInstallSnapshot(args), nil
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit from a raft.proto service definition. grpc.ServiceDesc is a
// public, documented extension point for exactly this case.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*nodeHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "roj/raft.proto",
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}
