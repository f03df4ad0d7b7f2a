// Package control defines the agent's local control-plane protocol (spec
// §3's filesystem layout: "/run/simpleadmin/control.socket — agent control
// plane for local CLI"): a small length-prefixed JSON request/response
// protocol a local operator tool can use to inspect and manage services
// without going through the network control plane.
package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"

	"github.com/simpleadmin/sadmin/internal/model"
)

const maxFrame = 1 << 20

// Op tags a Request's operation.
type Op string

const (
	OpListServices  Op = "ListServices"
	OpGetService    Op = "GetService"
	OpStopService   Op = "StopService"
	OpRestartService Op = "RestartService"
)

// Request is one CLI call.
type Request struct {
	Op   Op     `json:"op"`
	Name string `json:"name,omitempty"`
}

// Response is the agent's reply.
type Response struct {
	Error    string               `json:"error,omitempty"`
	Services []model.ServiceStatus `json:"services,omitempty"`
	Service  *model.ServiceStatus  `json:"service,omitempty"`
}

// WriteMessage writes a length-prefixed JSON frame, shared by both ends
// of the connection (grounded on internal/persistproto/framing.go's
// length-prefix shape, minus the SCM_RIGHTS ancillary data this protocol
// has no need for).
func WriteMessage(conn net.Conn, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > maxFrame {
		return fmt.Errorf("control: message too large: %d bytes", len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	_, err = conn.Write(frame)
	return err
}

// ReadMessage reads one length-prefixed JSON frame into v.
func ReadMessage(conn net.Conn, v any) error {
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrame {
		return fmt.Errorf("control: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := readFull(conn, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
