package policy

import (
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

const (
	idleTimeout = 60 * time.Second
	maxRequest  = 2048
)

// Request is the wire form of one policy membership check.
type Request struct {
	User   string `json:"user"`
	Domain string `json:"domain"`
}

// Server answers policy membership checks over a local unix socket.
// A reload trigger, signal or file event, re-scans the blocklist
// directory without disturbing in-flight connections.
type Server struct {
	socket string
	store  *Store

	ln      net.Listener
	watcher *fsnotify.Watcher
	reload  chan struct{}
	done    chan struct{}
}

// NewServer returns a new policy server for the given socket path and
// blocklist directory.
func NewServer(socket, blocklistDir string) *Server {
	return &Server{
		socket: socket,
		store:  NewStore(blocklistDir),
		reload: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run performs the initial load, binds the socket and starts serving.
// Only a bind failure is fatal.
func (s *Server) Run() error {
	if err := s.store.Load(); err != nil {
		zlog.Error("Initial blocklist load failed", "error", err.Error())
	}

	// a previous unclean shutdown leaves the socket file behind
	if _, err := os.Stat(s.socket); err == nil {
		if err := os.Remove(s.socket); err != nil {
			zlog.Warn("Stale socket file remove failed", "socket", s.socket, "error", err.Error())
		}
	}

	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return err
	}
	s.ln = ln

	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(s.store.dir); err == nil {
			s.watcher = watcher
			go s.watch()
		} else {
			zlog.Warn("Blocklist directory watch failed", "dir", s.store.dir, "error", err.Error())
			watcher.Close()
		}
	}

	go s.control()
	go s.accept()

	zlog.Info("Policy server listening...", "socket", s.socket)

	return nil
}

// TriggerReload queues an incremental re-scan of the blocklist
// directory. Triggers arriving during a scan coalesce.
func (s *Server) TriggerReload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// Stop closes the listener and removes the socket file. In-flight
// connections are abandoned.
func (s *Server) Stop() {
	close(s.done)

	if s.watcher != nil {
		s.watcher.Close()
	}

	if s.ln != nil {
		s.ln.Close()
	}

	if err := os.Remove(s.socket); err != nil && !os.IsNotExist(err) {
		zlog.Warn("Socket file remove failed", "socket", s.socket, "error", err.Error())
	}

	zlog.Info("Policy server stopped")
}

// Blocked exposes the store for the serve loop and tests.
func (s *Server) Blocked(user, domain string) bool {
	return s.store.Blocked(user, domain)
}

// control consumes reload triggers decoupled from their source.
func (s *Server) control() {
	for {
		select {
		case <-s.done:
			return
		case <-s.reload:
			zlog.Info("Reloading blocklist files", "path", s.store.dir)

			if err := s.store.Load(); err != nil {
				zlog.Error("Blocklist reload failed", "error", err.Error())
			}
		}
	}
}

// watch feeds blocklist directory events into the reload channel.
func (s *Server) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.TriggerReload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error("Blocklist watcher error", "error", err.Error())
		}
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			zlog.Warn("Policy accept failed", "error", err.Error())
			continue
		}

		go s.serve(conn)
	}
}

// serve handles one connection. Any error closes only this connection.
func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, maxRequest)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		blocked := false

		var req Request
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			zlog.Debug("Policy request unmarshal failed", "error", err.Error())
		} else {
			blocked = s.store.Blocked(req.User, req.Domain)

			zlog.Debug("Policy check", "user", req.User, "domain", req.Domain, "blocked", blocked)
		}

		reply := []byte{0x00}
		if blocked {
			reply[0] = 0x01
		}

		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}
