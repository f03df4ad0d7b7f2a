package hostserver

import (
	"net"
	"sync"

	"github.com/simpleadmin/sadmin/internal/hostproto"
)

// hostConn tracks one authenticated agent connection, grounded on
// internal/cluster/server/server.go's agentStream (send channel + cancel)
// generalized from gRPC's per-stream send channel to a raw net.Conn
// guarded by a send mutex (spec §5: "messages written to one host
// connection preserve send order, guarded by an async write mutex").
type hostConn struct {
	host   int64
	name   string
	conn   net.Conn
	writer *hostproto.Writer
	jobs   *hostproto.JobTable
	cancel func()

	writeMu sync.Mutex
}

func (c *hostConn) send(m hostproto.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.WriteMessage(m)
}

// registry is the host-clients map: a synchronous mutex keyed by host id
// (spec §5). On auth, any previous entry for the same id is cancelled and
// evicted.
type registry struct {
	mu    sync.RWMutex
	conns map[int64]*hostConn
}

func newRegistry() *registry {
	return &registry{conns: make(map[int64]*hostConn)}
}

// put replaces any existing connection for host, cancelling it first.
func (r *registry) put(c *hostConn) {
	r.mu.Lock()
	old, ok := r.conns[c.host]
	r.conns[c.host] = c
	r.mu.Unlock()
	if ok && old.cancel != nil {
		old.cancel()
	}
}

// remove deletes host's entry only if it is still cur (not already
// replaced by a newer connection).
func (r *registry) remove(host int64, cur *hostConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[host]; ok && c == cur {
		delete(r.conns, host)
	}
}

func (r *registry) get(host int64) (*hostConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[host]
	return c, ok
}

// UpHosts implements web.HostRegistry (spec §4.8's "currently-up host ids").
func (r *registry) UpHosts() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}
