// Package ipc accepts hook connections on the local socket. Each
// connection carries exactly one newline-terminated JSON frame; the
// server classifies it and hands permission requests (with their live
// connection) to the daemon, while notifications are one-way.
package ipc

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stellarlinkco/permd/internal/protocol"
)

// frameReadTimeout bounds how long a connected hook may take to send
// its single request line.
const frameReadTimeout = 30 * time.Second

// RequestHandler receives a permission request frame together with its
// connection. Ownership of the connection transfers to the handler; the
// server never touches it again.
type RequestHandler func(frame *protocol.Frame, conn net.Conn)

// NotificationHandler receives a one-way notification. The server has
// already closed the connection and applied the type filter.
type NotificationHandler func(n *protocol.Notification)

var peerUIDMatchesCurrentUserFn = peerUIDMatchesCurrentUser

// Server listens on the Unix-domain socket for hook connections.
type Server struct {
	socketPath     string
	ignoreTypes    map[string]struct{}
	onRequest      RequestHandler
	onNotification NotificationHandler
	listener       net.Listener
	wg             sync.WaitGroup
	debug          bool
}

func NewServer(socketPath string, ignoreTypes []string, onRequest RequestHandler, onNotification NotificationHandler, debug bool) *Server {
	ignored := make(map[string]struct{}, len(ignoreTypes))
	for _, t := range ignoreTypes {
		ignored[t] = struct{}{}
	}
	return &Server{
		socketPath:     socketPath,
		ignoreTypes:    ignored,
		onRequest:      onRequest,
		onNotification: onNotification,
		debug:          debug,
	}
}

// Start claims the socket path and begins accepting. A live daemon on
// the same path is a fatal startup error; a stale socket file is removed.
func (s *Server) Start() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		conn, err := net.DialTimeout("unix", s.socketPath, time.Second)
		if err == nil {
			conn.Close()
			return fmt.Errorf("socket %s is in use by another daemon", s.socketPath)
		}
		log.Printf("[ipc] removing stale socket %s", s.socketPath)
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("set socket permissions: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	log.Printf("[ipc] listening on %s", s.socketPath)
	return nil
}

// Stop closes the listener, waits for in-flight frame reads, and removes
// the socket file. Connections already handed to the daemon are not
// waited on; their resolvers own them.
func (s *Server) Stop() error {
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
	log.Printf("[ipc] stopped")
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn reads and classifies the one frame on conn. It closes the
// connection on every path except a permission-request handoff.
func (s *Server) handleConn(conn net.Conn) {
	ok, err := peerUIDMatchesCurrentUserFn(conn)
	if err != nil {
		log.Printf("[ipc] peer credential check failed: %v", err)
		conn.Close()
		return
	}
	if !ok {
		log.Printf("[ipc] rejecting connection from different user")
		conn.Close()
		return
	}

	if err := conn.SetReadDeadline(time.Now().Add(frameReadTimeout)); err != nil {
		conn.Close()
		return
	}

	// The hook sends one line and then goes silent, so nothing beyond
	// the first newline is ever buffered here.
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		log.Printf("[ipc] failed to read frame: %v", err)
		conn.Close()
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return
	}

	frame, err := protocol.ParseFrame(line)
	if err != nil {
		// Malformed frame: close with no response; the hook's own
		// timeout lets the assistant's local prompt proceed.
		log.Printf("[ipc] malformed frame: %v", err)
		conn.Close()
		return
	}

	if frame.IsNotification() {
		conn.Close()
		n := protocol.NewNotification(frame)
		if _, ignored := s.ignoreTypes[n.Type]; ignored {
			if s.debug {
				log.Printf("[ipc] dropping filtered notification type %q", n.Type)
			}
			return
		}
		s.onNotification(n)
		return
	}

	s.onRequest(frame, conn)
}
