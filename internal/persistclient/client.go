// Package persistclient is the supervisor-facing client for the
// persistence daemon (spec §4.6): Put/Get/Has/Close/List fds by key,
// List/Signal processes by prefix, StartProcess, and a ProcessDied
// subscription.
package persistclient

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/simpleadmin/sadmin/internal/persistproto"
)

// Client owns one connection to the persistence daemon. Safe for
// concurrent use: calls are serialized behind a mutex since the protocol
// is strictly request/response over one stream.
type Client struct {
	conn *net.UnixConn

	mu sync.Mutex

	diedMu  sync.Mutex
	diedSub []chan persistproto.Response
}

// Dial connects to the daemon at socketPath and verifies the protocol
// version.
func Dial(socketPath string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("persistclient: dial: %w", err)
	}
	c := &Client{conn: conn}

	resp, err := c.call(persistproto.Request{Op: persistproto.OpGetProtocolVersion}, -1)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Version != persistproto.ProtocolVersion {
		conn.Close()
		return nil, fmt.Errorf("persistclient: protocol version mismatch: daemon=%d client=%d", resp.Version, persistproto.ProtocolVersion)
	}
	return c, nil
}

// readResponse reads frames until it finds one that isn't an unsolicited
// ProcessDied push (spec §4.6: pushes are "fanned out to all connected
// clients", so a command connection can see one interleaved with its own
// reply). ProcessDied frames are forwarded to any Subscribe channels and
// skipped.
func (c *Client) readResponse() (persistproto.Response, int, error) {
	for {
		var resp persistproto.Response
		fd, err := persistproto.ReadMessage(c.conn, &resp)
		if err != nil {
			return persistproto.Response{}, -1, err
		}
		if resp.Type == persistproto.RespProcessDied {
			c.dispatchDied(resp)
			continue
		}
		return resp, fd, nil
	}
}

func (c *Client) dispatchDied(resp persistproto.Response) {
	c.diedMu.Lock()
	defer c.diedMu.Unlock()
	for _, ch := range c.diedSub {
		select {
		case ch <- resp:
		default:
		}
	}
}

// Subscribe returns a channel of ProcessDied pushes, fed by any call on
// this client that happens to read one off the wire. Since pushes only
// arrive interleaved with command replies, a subscriber that never issues
// commands of its own should periodically call ListProcesses("") to pump
// the read loop.
func (c *Client) Subscribe() <-chan persistproto.Response {
	ch := make(chan persistproto.Response, 16)
	c.diedMu.Lock()
	c.diedSub = append(c.diedSub, ch)
	c.diedMu.Unlock()
	return ch
}

func (c *Client) call(req persistproto.Request, fd int) (persistproto.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := persistproto.WriteMessage(c.conn, req, fd); err != nil {
		return persistproto.Response{}, err
	}
	resp, _, err := c.readResponse()
	if err != nil {
		return persistproto.Response{}, err
	}
	if resp.Type == persistproto.RespFailure {
		return resp, fmt.Errorf("persistclient: %s", resp.Error)
	}
	return resp, nil
}

// PutFd hands f to the daemon under key, which owns it thereafter (the
// caller's own copy may be closed immediately after this returns).
func (c *Client) PutFd(key string, f *os.File) error {
	_, err := c.call(persistproto.Request{Op: persistproto.OpPutFd, Key: key, WithFd: true}, int(f.Fd()))
	return err
}

// GetFd returns a dup'd copy of the fd stored under key.
func (c *Client) GetFd(key string) (*os.File, error) {
	c.mu.Lock()
	if err := persistproto.WriteMessage(c.conn, persistproto.Request{Op: persistproto.OpGetFd, Key: key}, -1); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	resp, fd, err := c.readResponse()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if resp.Type == persistproto.RespFailure {
		return nil, fmt.Errorf("persistclient: %s", resp.Error)
	}
	if fd < 0 {
		return nil, fmt.Errorf("persistclient: GetFd %q returned no fd", key)
	}
	return os.NewFile(uintptr(fd), key), nil
}

// HasFd reports whether key is currently owned by the daemon.
func (c *Client) HasFd(key string) bool {
	_, err := c.call(persistproto.Request{Op: persistproto.OpHasFd, Key: key}, -1)
	return err == nil
}

// CloseFd releases the daemon's copy of the fd stored under key.
func (c *Client) CloseFd(key string) error {
	_, err := c.call(persistproto.Request{Op: persistproto.OpCloseFd, Key: key}, -1)
	return err
}

// ListFds returns every fd key with the given prefix.
func (c *Client) ListFds(prefix string) ([]string, error) {
	resp, err := c.call(persistproto.Request{Op: persistproto.OpListFds, Prefix: prefix}, -1)
	if err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// ListProcesses returns every process key with the given prefix (spec
// §4.5.4's cross-restart reattachment scan).
func (c *Client) ListProcesses(prefix string) ([]string, error) {
	resp, err := c.call(persistproto.Request{Op: persistproto.OpListProcesses, Prefix: prefix}, -1)
	if err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// SignalProcess sends signal (a syscall.Signal value) to the process
// registered under key.
func (c *Client) SignalProcess(key string, signal int) error {
	_, err := c.call(persistproto.Request{Op: persistproto.OpSignalProcess, Signal: signal, Key: key}, -1)
	return err
}

// StartProcess asks the daemon to spawn and own spec, returning its pid.
func (c *Client) StartProcess(spec persistproto.StartProcessSpec) (int, error) {
	resp, err := c.call(persistproto.Request{Op: persistproto.OpStartProcess, Start: &spec}, -1)
	if err != nil {
		return 0, err
	}
	return resp.Pid, nil
}

// Close closes the daemon connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
