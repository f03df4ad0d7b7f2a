// Package hostproto defines the host-agent wire protocol (spec §4.4, §6):
// a tagged-JSON message union framed by byte 0x1e over TLS, plus the
// server-side JobHandle bookkeeping that routes replies back to the caller
// that started a job.
package hostproto

import (
	"encoding/json"

	"github.com/simpleadmin/sadmin/internal/model"
)

// Type tags the variant carried by a Message's Payload.
type Type string

const (
	// Auth is the mandatory first message from agent to server.
	TypeAuth Type = "Auth"

	// Keepalive.
	TypePing Type = "Ping"
	TypePong Type = "Pong"

	// Jobs: server -> agent.
	TypeRunInstant    Type = "RunInstant"
	TypeRunScript     Type = "RunScript"
	TypeDeployService Type = "DeployService"
	TypeKill          Type = "Kill"
	TypeWriteFile     Type = "WriteFile"
	TypeReadFile      Type = "ReadFile"
	TypeSocketConnect Type = "SocketConnect"
	TypeSocketClose   Type = "SocketClose"
	TypeSocketSend    Type = "SocketSend"
	TypeCommandSpawn  Type = "CommandSpawn"
	TypeCommandStdin  Type = "CommandStdin"
	TypeCommandSignal Type = "CommandSignal"

	// Replies: agent -> server (Data and Kill are bidirectional).
	TypeData           Type = "Data"
	TypeSuccess        Type = "Success"
	TypeFailure        Type = "Failure"
	TypeReadFileResult Type = "ReadFileResult"
)

// Message is the envelope every frame carries (spec §4.4 "tagged union,
// type field"). Fields unused by a given Type are omitted on the wire.
type Message struct {
	ID   string          `json:"id,omitempty"`
	Type Type            `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Auth is the agent's first message, authenticating it to the server
// (spec §4.4: "agent authenticates by sending Auth{hostname,password}").
type Auth struct {
	Hostname string `json:"hostname"`
	Password string `json:"password"`
}

// RunScript starts a script job with delta-style stdin (spec §4.4).
type RunScript struct {
	Script     string `json:"script"`
	StdinType  string `json:"stdinType,omitempty"`
	StdoutType string `json:"stdoutType,omitempty"`
	StderrType string `json:"stderrType,omitempty"`
	InputJSON  []byte `json:"inputJson,omitempty"`
}

// DeployService starts or replaces a supervised service (spec §4.4/§4.5).
type DeployService struct {
	Description model.ServiceDescription `json:"description"`
	Image       string                   `json:"image,omitempty"`
	DockerAuth  *DockerAuth              `json:"dockerAuth,omitempty"`
	ExtraEnv    map[string]string        `json:"extraEnv,omitempty"`
	User        string                   `json:"user,omitempty"`
}

// DockerAuth is a one-shot registry credential for a podman/docker pull
// (spec §4.5 step 2/3: "write a one-shot registry auth file").
type DockerAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Registry string `json:"registry,omitempty"`
}

// RunInstant starts a one-shot interpreter job (spec §4.4).
type RunInstant struct {
	Name        string `json:"name"`
	Interpreter string `json:"interpreter"`
	Content     string `json:"content"`
	Args        []string `json:"args,omitempty"`
	OutputType  string `json:"outputType,omitempty"`
	StdinType   string `json:"stdinType,omitempty"`
}

// WriteFile writes base64-encoded content to an absolute path (spec §4.4).
type WriteFile struct {
	Path       string `json:"path"`
	ContentB64 string `json:"contentB64"`
	Mode       uint32 `json:"mode,omitempty"`
}

// ReadFile reads an absolute path back (spec §4.4).
type ReadFile struct {
	Path string `json:"path"`
}

// ReadFileResult is ReadFile's reply (spec §4.4).
type ReadFileResult struct {
	ContentB64 string `json:"contentB64"`
}

// SocketConnect opens a proxied TCP or unix socket keyed by the job id;
// subsequent Data frames with the same id carry bytes in either direction
// until SocketClose (spec §4.4).
type SocketConnect struct {
	Network string `json:"network"` // "tcp" or "unix"
	Address string `json:"address"`
}

// SocketClose tears down a proxied socket opened by SocketConnect.
type SocketClose struct{}

// SocketSend carries bytes toward the proxied socket (the reverse
// direction, socket->caller, rides ordinary Data frames).
type SocketSend struct {
	Data []byte `json:"data"`
}

// CommandSpawn starts an interactive, longer-lived command keyed by the
// job id; CommandStdin/CommandSignal address it by the same id, and its
// stdout/stderr stream back as Data frames until it exits (spec §4.4).
type CommandSpawn struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
	Env  []string `json:"env,omitempty"`
	Cwd  string   `json:"cwd,omitempty"`
}

// CommandStdin writes to a spawned command's stdin.
type CommandStdin struct {
	Data []byte `json:"data"`
	EOF  bool   `json:"eof,omitempty"`
}

// CommandSignal sends a POSIX signal name (e.g. "SIGTERM") to a spawned
// command.
type CommandSignal struct {
	Signal string `json:"signal"`
}

// Data carries a streamed chunk in either direction (spec §4.4).
type Data struct {
	Source string `json:"source,omitempty"`
	Data   []byte `json:"data"`
	EOF    bool   `json:"eof,omitempty"`
}

// Success is a job's terminal positive reply (spec §4.4).
type Success struct {
	Code int             `json:"code,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Failure is a job's terminal negative reply (spec §4.4).
type Failure struct {
	FailureType string `json:"failureType,omitempty"`
	Code        int    `json:"code,omitempty"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Encode marshals a typed payload into a Message with the given id/type.
func Encode(id string, typ Type, payload any) (Message, error) {
	if payload == nil {
		return Message{ID: id, Type: typ}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Type: typ, Body: b}, nil
}

// Decode unmarshals a Message's body into out.
func (m Message) Decode(out any) error {
	if len(m.Body) == 0 {
		return nil
	}
	return json.Unmarshal(m.Body, out)
}
