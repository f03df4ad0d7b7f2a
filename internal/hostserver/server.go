// Package hostserver accepts the host-agent TLS connections (spec §4.4),
// authenticates each by its per-host password, and routes jobs started by
// internal/executor to the right connection. It implements web.HostRegistry
// (currently-up host ids) and executor.Deployer (RunScript dispatch).
package hostserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/simpleadmin/sadmin/internal/auth"
	"github.com/simpleadmin/sadmin/internal/certs"
	"github.com/simpleadmin/sadmin/internal/events"
	"github.com/simpleadmin/sadmin/internal/hostproto"
	"github.com/simpleadmin/sadmin/internal/model"
)

const (
	authTimeout  = 2 * time.Second
	pingInterval = 80 * time.Second
	pongTimeout  = 40 * time.Second
	idleTimeout  = 120 * time.Second
)

// Store is the subset of internal/store.Store the host server reads to
// resolve a connecting agent's hostname to an object id and password hash,
// and writes to when a host transition needs recording/fanning out.
type Store interface {
	ListNewest() ([]model.Object, error)
	AddMessage(msg model.Message) (int64, error)
	GetKVP(key string) ([]byte, error)
	PutKVP(key string, value []byte) error
}

// Server is the host-agent listener (spec §4.4/§6, TCP/TLS port 8888 by
// default), grounded on internal/cluster/server/server.go's streams map
// and pending/deliver job routing, generalized from gRPC bidi-streams to
// raw 0x1e-framed JSON connections.
type Server struct {
	store    Store
	bus      *events.Bus
	log      *slog.Logger
	reloader *certs.Reloader

	reg *registry
	ln  net.Listener

	msgCancel context.CancelFunc
}

// New constructs a Server. Call Start to begin listening.
func New(store Store, bus *events.Bus, reloader *certs.Reloader, log *slog.Logger) *Server {
	return &Server{store: store, bus: bus, reloader: reloader, log: log.With("component", "hostserver"), reg: newRegistry()}
}

// UpHosts implements web.HostRegistry.
func (s *Server) UpHosts() []int64 { return s.reg.UpHosts() }

// Start listens on addr with a TLS config backed by the certs.Reloader, and
// serves accepted connections in background goroutines until Stop is
// called.
func (s *Server) Start(addr string) error {
	tlsCfg := &tls.Config{
		GetCertificate: s.reloader.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("hostserver: listen %s: %w", addr, err)
	}
	s.ln = ln
	go s.reloader.Run()

	msgCtx, cancel := context.WithCancel(context.Background())
	s.msgCancel = cancel
	go s.messagingLoop(msgCtx)

	s.log.Info("host-agent listener starting", "addr", addr)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ne, ok := err.(net.Error); ok && !ne.Temporary() {
					return
				}
				s.log.Warn("accept failed", "error", err)
				continue
			}
			go s.handleConn(conn)
		}
	}()
	return nil
}

// Stop closes the listener; accepted connections are torn down as their
// own read loops error out.
func (s *Server) Stop() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.reloader != nil {
		s.reloader.Stop()
	}
	if s.msgCancel != nil {
		s.msgCancel()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	r := hostproto.NewReader(conn)
	first, err := r.ReadMessage()
	if err != nil || first.Type != hostproto.TypeAuth {
		s.log.Warn("connection dropped: no auth within deadline", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	var a hostproto.Auth
	if err := first.Decode(&a); err != nil {
		s.log.Warn("connection dropped: bad auth payload", "error", err)
		return
	}

	hostID, hc, ok := lookupHost(s.store, a.Hostname)
	if !ok || hc.Password == "" || !auth.CheckPassword(hc.Password, a.Password) {
		s.log.Warn("authentication failed", "hostname", a.Hostname)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hc2 := &hostConn{
		host:   hostID,
		name:   a.Hostname,
		conn:   conn,
		writer: hostproto.NewWriter(conn),
		jobs:   hostproto.NewJobTable(),
		// Cancelling also closes the socket so the receive loop ends at once.
		cancel: func() { cancel(); _ = conn.Close() },
	}
	s.reg.put(hc2)
	defer func() {
		s.reg.remove(hostID, hc2)
		hc2.jobs.CloseAll()
	}()

	s.log.Info("agent connected", "host", hostID, "hostname", a.Hostname)
	s.bus.Publish(events.Broadcast{Type: events.EventHostUp, Payload: map[string]any{"host": hostID, "hostname": a.Hostname}})
	defer s.bus.Publish(events.Broadcast{Type: events.EventHostDown, Payload: map[string]any{"host": hostID, "hostname": a.Hostname}})

	go s.pingLoop(ctx, hc2)
	s.receiveLoop(ctx, conn, r, hc2)
}

// pingLoop sends Ping every pingInterval and tears the connection down
// if no matching Pong arrives within pongTimeout (spec
// §4.4: "server pings every 80s; pong must arrive within 40s").
func (s *Server) pingLoop(ctx context.Context, c *hostConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := generateID()
			h, err := c.jobs.Register(id)
			if err != nil {
				continue
			}
			if err := c.send(hostproto.Message{ID: id, Type: hostproto.TypePing}); err != nil {
				c.jobs.Close(id)
				c.cancel()
				return
			}
			select {
			case <-h.Recv():
			case <-time.After(pongTimeout):
				s.log.Warn("pong timeout, dropping connection", "host", c.host)
				c.cancel()
			case <-ctx.Done():
			}
			c.jobs.Close(id)
		}
	}
}

// receiveLoop reads framed messages and routes replies to the job table
// (spec §4.4): unknown ids trigger an automatic Kill for crash resilience.
func (s *Server) receiveLoop(ctx context.Context, conn net.Conn, r *hostproto.Reader, c *hostConn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msg, err := r.ReadMessage()
		if err != nil {
			s.log.Info("agent disconnected", "host", c.host, "error", err)
			return
		}
		if msg.Type == hostproto.TypePong {
			c.jobs.Deliver(msg)
			continue
		}
		if !c.jobs.Deliver(msg) && msg.ID != "" {
			if c.jobs.MarkKilled(msg.ID) {
				_ = c.send(hostproto.Message{ID: msg.ID, Type: hostproto.TypeKill})
			}
		}
	}
}

func lookupHost(store Store, hostname string) (int64, model.HostContent, bool) {
	objs, err := store.ListNewest()
	if err != nil {
		return 0, model.HostContent{}, false
	}
	for _, o := range objs {
		if o.Deleted() || o.Name != hostname {
			continue
		}
		hc, ok := decodeHostContent(o.Content)
		if !ok {
			continue
		}
		return o.ID, hc, true
	}
	return 0, model.HostContent{}, false
}
