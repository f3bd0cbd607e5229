package rendezvous

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// entry is one published advertisement.
type entry struct {
	payload  []byte
	released chan struct{}
	once     sync.Once
}

// Server holds published advertisements and serves them over gRPC.
type Server struct {
	mu      sync.Mutex
	entries map[string]*entry

	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
}

var _ rendezvousServer = (*Server)(nil)

// NewServer creates a server with nothing published.
func NewServer() *Server {
	return &Server{
		entries: make(map[string]*entry),
	}
}

// Publish makes adv available under name, replacing an earlier one.
func (s *Server) Publish(name string, adv *Advertisement) error {
	payload, err := adv.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode advertisement %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = &entry{
		payload:  payload,
		released: make(chan struct{}),
	}

	log.Debug().Str("name", name).Uint64("len", adv.Length).Msg("Published advertisement")
	return nil
}

// WaitRelease blocks until a peer releases name or ctx is done.
func (s *Server) WaitRelease(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("advertisement %s is not published", name)
	}

	select {
	case <-e.released:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for release of %s: %w", name, ctx.Err())
	}
}

// Fetch implements the Fetch RPC.
func (s *Server) Fetch(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	name := req.GetValue()

	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "advertisement %s is not published", name)
	}

	log.Debug().Str("name", name).Msg("Advertisement fetched")
	return wrapperspb.Bytes(e.payload), nil
}

// Release implements the Release RPC.
func (s *Server) Release(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	name := req.GetValue()

	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "advertisement %s is not published", name)
	}

	e.once.Do(func() { close(e.released) })
	log.Debug().Str("name", name).Msg("Advertisement released")
	return &emptypb.Empty{}, nil
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.Serve(listener)
	return nil
}

// Serve serves on listener in the background.
func (s *Server) Serve(listener net.Listener) {
	s.server = grpc.NewServer()
	s.server.RegisterService(&serviceDesc, s)
	s.listener = listener

	log.Info().Str("addr", listener.Addr().String()).Msg("Starting rendezvous server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil {
			log.Error().Err(err).Msg("gRPC server error")
		}
	}()
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops serving and waits for the server goroutine.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
	s.wg.Wait()
	log.Info().Msg("Rendezvous server stopped")
}
