package grpcpeer

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/cuemby/nod/internal/nodlog"
)

// Server hosts one peer's own rank: it answers every RMA RPC addressed
// to this rank's windows (every remote Get/Put/atomic a peer issues
// against this rank lands here), and, only when built as the root, also
// hosts the barrier/allreduce coordinator every rank's Group calls
// synchronize through.
type Server struct {
	store       *localStore
	coordinator *coordinator
	grpc        *grpc.Server
}

// NewServer builds a Server for one rank. groupSize is only consulted
// when isRoot is true, to size the barrier/allreduce coordinator.
func NewServer(isRoot bool, groupSize int) *Server {
	s := &Server{store: newLocalStore()}
	if isRoot {
		s.coordinator = newCoordinator(groupSize)
	}
	return s
}

// Start listens on addr and serves RMA RPCs until Stop is called. It
// blocks, same as grpc.Server.Serve; run it in its own goroutine.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpcpeer: listen on %s: %w", addr, err)
	}
	s.grpc = grpc.NewServer()
	s.grpc.RegisterService(&serviceDesc, s)
	nodlog.WithComponent("grpcpeer").Info().Str("addr", addr).Msg("rma server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server, waiting for in-flight RPCs to
// finish.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func (s *Server) execute(ctx context.Context, req *wireRequest) (*wireResponse, error) {
	switch req.Op {
	case "allocate":
		if err := s.store.allocate(req.Kind, req.Bytes); err != nil {
			return &wireResponse{Err: err.Error()}, nil
		}
		return &wireResponse{}, nil

	case "get":
		dst := make([]byte, req.Bytes)
		if err := s.store.get(req.Kind, req.Offset, dst); err != nil {
			return &wireResponse{Err: err.Error()}, nil
		}
		return &wireResponse{Data: dst}, nil

	case "put":
		if err := s.store.put(req.Kind, req.Offset, req.Data); err != nil {
			return &wireResponse{Err: err.Error()}, nil
		}
		return &wireResponse{}, nil

	case "faa32":
		old, err := s.store.fetchAndAddU32(req.Kind, req.Offset, req.Delta32)
		if err != nil {
			return &wireResponse{Err: err.Error()}, nil
		}
		return &wireResponse{U32: old}, nil

	case "faa64":
		old, err := s.store.fetchAndAddU64(req.Kind, req.Offset, req.Delta64)
		if err != nil {
			return &wireResponse{Err: err.Error()}, nil
		}
		return &wireResponse{U64: old}, nil

	case "cas64":
		old, err := s.store.compareAndSwapU64(req.Kind, req.Offset, req.Old, req.New)
		if err != nil {
			return &wireResponse{Err: err.Error()}, nil
		}
		return &wireResponse{U64: old}, nil

	case "lockall":
		if err := s.store.lockAll(req.Kind); err != nil {
			return &wireResponse{Err: err.Error()}, nil
		}
		return &wireResponse{}, nil

	case "unlockall":
		if err := s.store.unlockAll(req.Kind); err != nil {
			return &wireResponse{Err: err.Error()}, nil
		}
		return &wireResponse{}, nil

	case "barrier":
		if s.coordinator == nil {
			return &wireResponse{Err: "grpcpeer: barrier request received by a non-root peer"}, nil
		}
		s.coordinator.barrier()
		return &wireResponse{}, nil

	case "allreduce":
		if s.coordinator == nil {
			return &wireResponse{Err: "grpcpeer: allreduce request received by a non-root peer"}, nil
		}
		return &wireResponse{Bool: s.coordinator.allreduce(req.Rank, req.Vote)}, nil

	default:
		return &wireResponse{Err: fmt.Sprintf("grpcpeer: unknown op %q", req.Op)}, nil
	}
}
