package relay

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/edgelinkio/btagent/bluetooth"
	"github.com/edgelinkio/btagent/utils"
)

const (
	minPort = 1024
	maxPort = 65535
)

// Server fans events out to every connected TCP client. Clients are
// write-only from the server's point of view; anything they send is drained
// and dropped. A client that blocks or errors on write is disconnected.
type Server struct {
	logger   logging.Logger
	port     int
	listener net.Listener

	mu      sync.Mutex
	clients map[net.Conn]struct{}
	closed  bool

	workers sync.WaitGroup
}

func newServer(port int, logger logging.Logger) (*Server, error) {
	if port < minPort || port > maxPort {
		return nil, errw.Wrapf(bluetooth.ErrInvalidParameter, "port %d not valid", port)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errw.Wrapf(err, "tcp server for port %d could not start", port)
	}
	s := &Server{
		logger:   logger,
		port:     port,
		listener: listener,
		clients:  make(map[net.Conn]struct{}),
	}
	s.workers.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Port returns the listening port.
func (s *Server) Port() int { return s.port }

func (s *Server) acceptLoop() {
	defer utils.Recover(s.logger, nil)
	defer s.workers.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.clients[conn] = struct{}{}
		s.mu.Unlock()
		s.logger.Infof("ble event client %s attached", conn.RemoteAddr())

		s.workers.Add(1)
		go s.drainClient(conn)
	}
}

// drainClient discards inbound bytes so the peer's hangup is noticed.
func (s *Server) drainClient(conn net.Conn) {
	defer utils.Recover(s.logger, nil)
	defer s.workers.Done()
	_, _ = io.Copy(io.Discard, conn)
	s.dropClient(conn)
}

func (s *Server) dropClient(conn net.Conn) {
	s.mu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	s.mu.Unlock()
	if ok {
		s.logger.Infof("ble event client %s left", conn.RemoteAddr())
	}
	_ = conn.Close()
}

// Broadcast wraps data under the topic key, stamps it, and writes one JSON
// line to every client. Events with no clients attached are dropped.
func (s *Server) Broadcast(topic string, data map[string]interface{}) {
	data["timestamp"] = time.Now().Unix()
	payload, err := json.Marshal(map[string]interface{}{topic: data})
	if err != nil {
		s.logger.Errorf("encoding %s event: %s", topic, err)
		return
	}
	payload = append(payload, '\n')

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if _, err := conn.Write(payload); err != nil {
			s.logger.Warnf("writing to ble event client %s: %s", conn.RemoteAddr(), err)
			s.dropClient(conn)
		}
	}
}

// Close stops accepting, disconnects every client, and waits for workers.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.clients = make(map[net.Conn]struct{})
	s.mu.Unlock()

	_ = s.listener.Close()
	for _, conn := range conns {
		_ = conn.Close()
	}
	s.workers.Wait()
}

func hexEncode(payload []byte) string {
	return hex.EncodeToString(payload)
}
