package orchestrator

import (
	"context"
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"nightwatch/internal/busx"
	"nightwatch/internal/health"
	"nightwatch/internal/model"
	"nightwatch/internal/wire"
)

// StreamServer exposes the publish-only local stream endpoint: every
// event, channel update and alert record is framed as one JSON line
// and fanned out to each connected client. A client that cannot keep
// up is dropped rather than allowed to backpressure the pipeline.
type StreamServer struct {
	bus *busx.Bus
	log *log.Logger

	mu       sync.Mutex
	listener net.Listener
	clients  map[net.Conn]chan []byte
}

// NewStreamServer builds a server over bus.
func NewStreamServer(bus *busx.Bus, logger *log.Logger) *StreamServer {
	return &StreamServer{
		bus:     bus,
		log:     logger,
		clients: make(map[net.Conn]chan []byte),
	}
}

// Listen binds addr and returns the bound port (addr may use :0).
func (s *StreamServer) Listen(addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Run accepts clients and relays bus traffic until ctx is cancelled.
// Listen must have been called first.
func (s *StreamServer) Run(ctx context.Context) {
	go s.accept()

	evH := s.bus.Subscribe(busx.TopicEvents, busx.DefaultInboxSize)
	chH := s.bus.Subscribe(busx.TopicChannels, busx.DefaultInboxSize)
	alH := s.bus.Subscribe(busx.TopicAlerts, busx.DefaultInboxSize)
	defer s.bus.Unsubscribe(evH)
	defer s.bus.Unsubscribe(chH)
	defer s.bus.Unsubscribe(alH)

	for {
		select {
		case <-ctx.Done():
			s.close()
			return
		case msg := <-evH.C():
			if ev, ok := msg.Payload.(model.Event); ok {
				s.broadcast("event", wire.FromEvent(ev))
			}
		case msg := <-chH.C():
			if fs, ok := msg.Payload.(model.FusedSignal); ok {
				s.broadcast("channel", wire.FromChannel(fs))
			}
		case msg := <-alH.C():
			if a, ok := msg.Payload.(model.Alert); ok {
				s.broadcast("alert", wire.FromAlert(a))
			}
		}
	}
}

// BroadcastStatus pushes a health summary frame to all clients.
func (s *StreamServer) BroadcastStatus(system health.Status, components []health.ComponentHealth) {
	s.broadcast("status", wire.FromHealth(system, components))
}

func (s *StreamServer) broadcast(typeTag string, payload any) {
	line, err := wire.Marshal(typeTag, payload)
	if err != nil {
		s.log.Warn("stream marshal failed", "type", typeTag, "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, ch := range s.clients {
		select {
		case ch <- line:
		default:
			// Slow consumer: disconnect it rather than queue without bound.
			s.log.Info("dropping slow stream client", "remote", conn.RemoteAddr())
			close(ch)
			delete(s.clients, conn)
		}
	}
}

func (s *StreamServer) accept() {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed on shutdown
		}
		ch := make(chan []byte, 512)
		s.mu.Lock()
		s.clients[conn] = ch
		s.mu.Unlock()
		go s.writeLoop(conn, ch)
	}
}

func (s *StreamServer) writeLoop(conn net.Conn, ch <-chan []byte) {
	defer conn.Close()
	for line := range ch {
		if _, err := conn.Write(line); err != nil {
			s.mu.Lock()
			if c, ok := s.clients[conn]; ok {
				close(c)
				delete(s.clients, conn)
			}
			s.mu.Unlock()
			// Drain whatever was queued before the close.
			for range ch {
			}
			return
		}
	}
}

func (s *StreamServer) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn, ch := range s.clients {
		close(ch)
		_ = conn.Close()
		delete(s.clients, conn)
	}
}
