package agent

import (
	"encoding/base64"
	"net"
	"os"

	"github.com/simpleadmin/sadmin/internal/hostproto"
)

func (a *Agent) handleWriteFile(conn net.Conn, w *hostproto.Writer, msg hostproto.Message) {
	var job hostproto.WriteFile
	if err := msg.Decode(&job); err != nil {
		a.sendFailure(conn, w, msg.ID, hostproto.Failure{Message: "bad WriteFile payload: " + err.Error()})
		return
	}
	content, err := base64.StdEncoding.DecodeString(job.ContentB64)
	if err != nil {
		a.sendFailure(conn, w, msg.ID, hostproto.Failure{Message: "bad content_b64: " + err.Error()})
		return
	}
	mode := os.FileMode(0644)
	if job.Mode != 0 {
		mode = os.FileMode(job.Mode)
	}
	if err := os.WriteFile(job.Path, content, mode); err != nil {
		a.sendFailure(conn, w, msg.ID, hostproto.Failure{Message: err.Error()})
		return
	}
	reply, err := hostproto.Encode(msg.ID, hostproto.TypeSuccess, hostproto.Success{})
	if err != nil {
		return
	}
	_ = a.writeWithDeadline(conn, w, reply)
}

func (a *Agent) handleReadFile(conn net.Conn, w *hostproto.Writer, msg hostproto.Message) {
	var job hostproto.ReadFile
	if err := msg.Decode(&job); err != nil {
		a.sendFailure(conn, w, msg.ID, hostproto.Failure{Message: "bad ReadFile payload: " + err.Error()})
		return
	}
	content, err := os.ReadFile(job.Path)
	if err != nil {
		a.sendFailure(conn, w, msg.ID, hostproto.Failure{Message: err.Error()})
		return
	}
	reply, err := hostproto.Encode(msg.ID, hostproto.TypeReadFileResult, hostproto.ReadFileResult{
		ContentB64: base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		return
	}
	_ = a.writeWithDeadline(conn, w, reply)
}
