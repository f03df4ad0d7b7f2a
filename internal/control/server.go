package control

import (
	"context"
	"log/slog"
	"net"
	"os"

	"github.com/simpleadmin/sadmin/internal/model"
)

// Supervisor is the subset of *supervisor.Supervisor the control server
// needs; kept as a local interface so this package doesn't import
// internal/supervisor (which already depends on internal/persistclient
// and internal/docker — no need to pull that graph in here too).
type Supervisor interface {
	ListServices() []model.ServiceStatus
	GetService(name string) (model.ServiceStatus, bool)
	StopService(ctx context.Context, name string) error
	RestartService(ctx context.Context, name string) error
}

// Server listens on the agent's local control socket.
type Server struct {
	sup Supervisor
	log *slog.Logger
	ln  net.Listener
}

func New(sup Supervisor, log *slog.Logger) *Server {
	return &Server{sup: sup, log: log.With("component", "control")}
}

// Start listens on socketPath, removing any stale socket file left behind
// by a previous unclean shutdown first.
func (s *Server) Start(socketPath string) error {
	_ = os.Remove(socketPath)
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return err
	}
	s.ln = ln
	go s.acceptLoop()
	return nil
}

func (s *Server) Stop() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := ReadMessage(conn, &req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := WriteMessage(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	ctx := context.Background()
	switch req.Op {
	case OpListServices:
		return Response{Services: s.sup.ListServices()}
	case OpGetService:
		status, ok := s.sup.GetService(req.Name)
		if !ok {
			return Response{Error: "no such service"}
		}
		return Response{Service: &status}
	case OpStopService:
		if err := s.sup.StopService(ctx, req.Name); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{}
	case OpRestartService:
		if err := s.sup.RestartService(ctx, req.Name); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{}
	default:
		return Response{Error: "unknown op"}
	}
}
