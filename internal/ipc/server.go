// Package ipc implements the framework side of the local client channel: a
// unix-socket listener speaking length-prefixed JSON frames, fanning inbound
// messages into one bounded queue drained by the main loop.
package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"apframework.dev/internal/logging"
	"apframework.dev/internal/protocol"
	"apframework.dev/internal/queue"
)

const defaultWriteTimeout = 5 * time.Second

var (
	ErrUnknownClient = errors.New("ipc: unknown client")
	ErrNotRunning    = errors.New("ipc: server not running")
)

// SocketPath derives the filesystem address for a channel name such as
// "APFramework_<game>".
func SocketPath(channelName string) string {
	return filepath.Join(os.TempDir(), channelName+".sock")
}

type MessageHandler func(clientID string, msg protocol.Message)
type ConnHandler func(clientID string)

type conn struct {
	c net.Conn

	mu sync.Mutex // guards id renames and writes
	id string
}

func (c *conn) clientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Server accepts concurrent client connections. Each connection gets one
// reader goroutine; outbound writes run inline on the producer's goroutine
// under the connection's write lock, preserving per-connection order.
type Server struct {
	log          *logging.Logger
	inbound      *queue.Queue[protocol.Message]
	writeTimeout time.Duration

	mu    sync.Mutex
	ln    net.Listener
	conns map[string]*conn
	path  string

	nextID  atomic.Int64
	running atomic.Bool
	wg      sync.WaitGroup

	onMessage    MessageHandler
	onConnect    ConnHandler
	onDisconnect ConnHandler
}

// NewServer sizes the inbound queue at queueMax (shared across all
// connections, per-connection order preserved). writeTimeout bounds each
// outbound write; zero means the default.
func NewServer(log *logging.Logger, queueMax int, writeTimeout time.Duration) *Server {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Server{
		log:          log,
		inbound:      queue.New[protocol.Message](queueMax),
		writeTimeout: writeTimeout,
		conns:        make(map[string]*conn),
	}
}

// Handlers must be set before Start.
func (s *Server) SetMessageHandler(h MessageHandler) { s.onMessage = h }
func (s *Server) SetConnectHandler(h ConnHandler)    { s.onConnect = h }
func (s *Server) SetDisconnectHandler(h ConnHandler) { s.onDisconnect = h }

// Start binds the channel name and begins accepting. A stale socket file
// from a crashed run is removed first.
func (s *Server) Start(channelName string) error {
	if s.running.Load() {
		return errors.New("ipc: already running")
	}
	path := SocketPath(channelName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("ipc: bind %s: %w", path, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.path = path
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Infof("IPC server listening on %s", path)
	return nil
}

// Addr returns the bound socket path, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Stop closes the listener and every peer, then waits for the readers to
// drain and releases the bound name.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	path := s.path
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.c.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.conns = make(map[string]*conn)
	s.mu.Unlock()

	if path != "" {
		os.Remove(path)
	}
	s.log.Infof("IPC server stopped")
}

func (s *Server) IsRunning() bool { return s.running.Load() }

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		s.handleNewConn(c)
	}
}

func (s *Server) handleNewConn(c net.Conn) {
	id := fmt.Sprintf("client_%d", s.nextID.Add(1))
	cc := &conn{c: c, id: id}

	s.mu.Lock()
	s.conns[id] = cc
	s.mu.Unlock()

	s.log.Debugf("client connected: %s", id)
	if s.onConnect != nil {
		s.onConnect(id)
	}

	s.wg.Add(1)
	go s.readLoop(cc)
}

func (s *Server) readLoop(cc *conn) {
	defer s.wg.Done()
	for {
		msg, err := protocol.ReadFrame(cc.c)
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				// The stream is still aligned; drop the message only.
				s.log.Errorf("bad JSON from %s: %v", cc.clientID(), err)
				continue
			}
			if !errors.Is(err, io.EOF) && s.running.Load() {
				s.log.Debugf("read from %s: %v", cc.clientID(), err)
			}
			s.dropConn(cc)
			return
		}

		// A register message renames the connection to its mod_id; every
		// inbound message carries the connection's current id as source.
		if msg.Type == protocol.TypeRegister {
			if p, err := protocol.DecodePayload[protocol.RegisterPayload](msg); err == nil && p.ModID != "" {
				s.rename(cc, p.ModID)
			}
		}
		msg.Source = cc.clientID()

		if !s.inbound.Push(msg) {
			s.log.Warnf("inbound IPC queue full; dropped oldest message")
		}
	}
}

func (s *Server) rename(cc *conn, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cc.mu.Lock()
	old := cc.id
	cc.mu.Unlock()
	if old == newID {
		return
	}
	if _, taken := s.conns[newID]; taken {
		s.log.Warnf("client id %q already connected; keeping %s", newID, old)
		return
	}
	delete(s.conns, old)
	s.conns[newID] = cc
	cc.mu.Lock()
	cc.id = newID
	cc.mu.Unlock()
	s.log.Debugf("client %s renamed to %s", old, newID)
}

func (s *Server) dropConn(cc *conn) {
	id := cc.clientID()

	s.mu.Lock()
	cur, ok := s.conns[id]
	if ok && cur == cc {
		delete(s.conns, id)
	} else {
		ok = false
	}
	s.mu.Unlock()

	cc.c.Close()
	if ok {
		s.log.Debugf("client disconnected: %s", id)
		if s.onDisconnect != nil {
			s.onDisconnect(id)
		}
	}
}

// Send writes one message to the named client. Write errors collapse to a
// disconnect of that client.
func (s *Server) Send(clientID string, msg protocol.Message) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	s.mu.Lock()
	cc, ok := s.conns[clientID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownClient
	}
	return s.writeTo(cc, msg)
}

func (s *Server) writeTo(cc *conn, msg protocol.Message) error {
	frame, err := protocol.EncodeFrame(msg)
	if err != nil {
		return err
	}
	cc.mu.Lock()
	cc.c.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	_, err = cc.c.Write(frame)
	cc.mu.Unlock()
	if err != nil {
		s.log.Warnf("write to %s failed: %v", cc.clientID(), err)
		s.dropConn(cc)
		return err
	}
	return nil
}

// Broadcast sends to every connected client.
func (s *Server) Broadcast(msg protocol.Message) {
	s.broadcastExcept(msg, "")
}

// BroadcastExcept sends to every connected client but one.
func (s *Server) BroadcastExcept(msg protocol.Message, exceptID string) {
	s.broadcastExcept(msg, exceptID)
}

func (s *Server) broadcastExcept(msg protocol.Message, exceptID string) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for id, c := range s.conns {
		if id != exceptID {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, cc := range conns {
		_ = s.writeTo(cc, msg)
	}
}

// Poll drains the inbound queue on the caller's goroutine, invoking the
// message handler for each message. Returns the number handled.
func (s *Server) Poll() int {
	msgs := s.inbound.PopAll()
	for _, m := range msgs {
		if s.onMessage != nil {
			s.onMessage(m.Source, m)
		}
	}
	return len(msgs)
}

// DroppedMessages counts inbound messages lost to queue overflow.
func (s *Server) DroppedMessages() uint64 { return s.inbound.Dropped() }

// Clients lists currently connected client ids.
func (s *Server) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) IsClientConnected(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[clientID]
	return ok
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
