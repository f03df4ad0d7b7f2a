package persistproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// maxFrame bounds a single message; these are small control payloads, never
// bulk data (bulk data rides a fd, not the JSON body).
const maxFrame = 64 * 1024

// WriteMessage sends v as a length-prefixed JSON frame on conn, attaching
// fd as SCM_RIGHTS ancillary data when fd >= 0 (spec §6: "ancillary data
// carries exactly one fd").
func WriteMessage(conn *net.UnixConn, v any, fd int) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persistproto: marshal: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}
	_, _, err = conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return fmt.Errorf("persistproto: write: %w", err)
	}
	return nil
}

// ReadMessage reads one frame from conn into v and returns any fd received
// as ancillary data (-1 if none). Assumes the sender's length prefix, JSON
// body, and any attached fd arrive as a single sendmsg (true for every
// message this protocol defines, all well under maxFrame).
func ReadMessage(conn *net.UnixConn, v any) (fd int, err error) {
	buf := make([]byte, maxFrame)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, fmt.Errorf("persistproto: read: %w", err)
	}
	if n < 4 {
		return -1, fmt.Errorf("persistproto: short frame (%d bytes)", n)
	}
	bodyLen := binary.BigEndian.Uint32(buf[:4])
	if int(4+bodyLen) > n {
		return -1, fmt.Errorf("persistproto: truncated frame: want %d have %d", bodyLen, n-4)
	}
	if err := json.Unmarshal(buf[4:4+bodyLen], v); err != nil {
		return -1, fmt.Errorf("persistproto: unmarshal: %w", err)
	}

	fd = -1
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, cmsg := range cmsgs {
				fds, err := unix.ParseUnixRights(&cmsg)
				if err == nil && len(fds) > 0 {
					fd = fds[0]
					break
				}
			}
		}
	}
	return fd, nil
}
