package agent

import (
	"net"
	"sync"

	"github.com/simpleadmin/sadmin/internal/hostproto"
)

// sockets tracks proxied connections opened by SocketConnect, keyed by job
// id, so a later SocketSend/SocketClose on the same id reaches the right
// net.Conn (spec §4.4's socket ops).
type sockets struct {
	mu    sync.Mutex
	conns map[string]net.Conn
}

func newSockets() *sockets {
	return &sockets{conns: make(map[string]net.Conn)}
}

func (s *sockets) put(id string, c net.Conn) {
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
}

func (s *sockets) get(id string) (net.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *sockets) remove(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

func (a *Agent) handleSocketConnect(serverConn net.Conn, w *hostproto.Writer, msg hostproto.Message) {
	var job hostproto.SocketConnect
	if err := msg.Decode(&job); err != nil {
		a.sendFailure(serverConn, w, msg.ID, hostproto.Failure{Message: "bad SocketConnect payload: " + err.Error()})
		return
	}
	target, err := net.Dial(job.Network, job.Address)
	if err != nil {
		a.sendFailure(serverConn, w, msg.ID, hostproto.Failure{Message: err.Error()})
		return
	}
	a.sockets.put(msg.ID, target)

	reply, err := hostproto.Encode(msg.ID, hostproto.TypeSuccess, hostproto.Success{})
	if err == nil {
		_ = a.writeWithDeadline(serverConn, w, reply)
	}

	go a.pumpSocket(serverConn, w, msg.ID, target)
}

// pumpSocket forwards bytes arriving on the proxied socket back to the
// server as Data frames, until the socket closes or errors.
func (a *Agent) pumpSocket(serverConn net.Conn, w *hostproto.Writer, id string, target net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := target.Read(buf)
		if n > 0 {
			data, encErr := hostproto.Encode(id, hostproto.TypeData, hostproto.Data{Data: append([]byte(nil), buf[:n]...)})
			if encErr == nil {
				_ = a.writeWithDeadline(serverConn, w, data)
			}
		}
		if err != nil {
			eof, _ := hostproto.Encode(id, hostproto.TypeData, hostproto.Data{EOF: true})
			_ = a.writeWithDeadline(serverConn, w, eof)
			a.sockets.remove(id)
			return
		}
	}
}

func (a *Agent) handleSocketSend(serverConn net.Conn, w *hostproto.Writer, msg hostproto.Message) {
	var job hostproto.SocketSend
	if err := msg.Decode(&job); err != nil {
		return
	}
	target, ok := a.sockets.get(msg.ID)
	if !ok {
		a.sendFailure(serverConn, w, msg.ID, hostproto.Failure{Message: "no such socket"})
		return
	}
	_, _ = target.Write(job.Data)
}

func (a *Agent) handleSocketClose(msg hostproto.Message) {
	if target, ok := a.sockets.get(msg.ID); ok {
		_ = target.Close()
		a.sockets.remove(msg.ID)
	}
}
