// Package model defines the typed configuration object graph shared by the
// object store, planner, executor, and web gateway (spec §3).
package model

import (
	"encoding/json"
	"time"
)

// Sentinel object ids (spec §3: "two sentinel ids for root and type").
const (
	RootObjectID = 0 // the variable/secret root of the host-prelude scope walk
	TypeObjectID = 1 // the type-of-types; reused as "1" per spec §4.8 initial state
)

// Kind enumerates the type.kind values spec §3 lists.
type Kind string

const (
	KindHost       Kind = "host"
	KindRoot       Kind = "root"
	KindCollection Kind = "collection"
	KindDelta      Kind = "delta"
	KindSum        Kind = "sum"
	KindTrigger    Kind = "trigger"
	KindHostVar    Kind = "hostvar"
	KindDocker     Kind = "docker"
	KindType       Kind = "type"
)

// PropertyKind tags the variant a PropertyDescriptor carries.
type PropertyKind string

const (
	PropNone        PropertyKind = "none"
	PropBool        PropertyKind = "bool"
	PropText        PropertyKind = "text"
	PropPassword    PropertyKind = "password"
	PropDocument    PropertyKind = "document"
	PropChoice      PropertyKind = "choice"
	PropTypeContent PropertyKind = "type_content"
	PropNumber      PropertyKind = "number"
	PropMonitor     PropertyKind = "monitor" // deprecated, kept for content round-trip
)

// PropertyDescriptor is one entry in a Type's content list (spec §3).
type PropertyDescriptor struct {
	Name      string       `json:"name"`
	Kind      PropertyKind `json:"kind"`
	Template  bool         `json:"template,omitempty"`  // Text only: render as mustache
	Variable  string       `json:"variable,omitempty"`  // Text only: export rendered value under this scope name
	Title     bool         `json:"title,omitempty"`     // Text only: supplies the deployment title
	Lines     int          `json:"lines,omitempty"`     // Text only: multi-line hint
	Choices   []string     `json:"choices,omitempty"`   // Choice only
	TypeRef   int64        `json:"typeRef,omitempty"`   // TypeContent only: id of the referenced type
}

// Type describes the schema of other objects (spec §3).
type Type struct {
	Plural        string               `json:"plural,omitempty"`
	Kind          Kind                 `json:"kind"`
	DeployOrder   int64                `json:"deployOrder"`
	Script        string               `json:"script,omitempty"`
	HasCategory   bool                 `json:"hasCategory"`
	HasVariables  bool                 `json:"hasVariables"`
	HasContains   bool                 `json:"hasContains"`
	HasSudoOn     bool                 `json:"hasSudoOn"`
	HasTriggers   bool                 `json:"hasTriggers"`
	HasDepends    bool                 `json:"hasDepends"`
	Content       []PropertyDescriptor `json:"content"`
	NameVariable  string               `json:"nameVariable,omitempty"`
}

// HostContent is the decoded content of a Host-kind object (spec §3).
type HostContent struct {
	Contains      []int64           `json:"contains"`
	Variables     map[string]string `json:"variables,omitempty"`
	Secrets       map[string]string `json:"secrets,omitempty"`
	MessageOnDown bool              `json:"messageOnDown"`
	DebPackages   bool              `json:"debPackages"`
	UsePodman     bool              `json:"usePodman"`
	Password      string            `json:"password,omitempty"` // hashed, used by host-agent Auth (§4.4)
}

// ObjectContent is a tagged map: arbitrary JSON content whose shape is
// dictated by the object's type (spec §9 "represent content as a
// polymorphic value"). Depends/Contains/SudoOn/Triggers are lifted out as
// named accessors below since the planner reads them on every object kind
// that declares the corresponding capability flag.
type ObjectContent map[string]any

// Contains returns the "contains" list as int64 object ids, if present.
func (c ObjectContent) Contains() []int64 {
	return int64List(c["contains"])
}

// Depends returns the "depends" list as int64 object ids, if present.
func (c ObjectContent) Depends() []int64 {
	return int64List(c["depends"])
}

// TriggerRef is one "triggers" list entry as declared on an object: a
// target trigger-type id plus the raw values to render that type's own
// script/content against (type_types.rs's ITriggersIter: each entry is
// `{"id": <type id>, "values": {...}}`, not a bare type id).
type TriggerRef struct {
	TypeID int64
	Values map[string]any
}

// Triggers returns the declared trigger refs (target type id + raw values),
// if present.
func (c ObjectContent) Triggers() []TriggerRef {
	arr, ok := c["triggers"].([]any)
	if !ok {
		return nil
	}
	out := make([]TriggerRef, 0, len(arr))
	for _, e := range arr {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		var id int64
		switch n := m["id"].(type) {
		case float64:
			id = int64(n)
		case json.Number:
			id, _ = n.Int64()
		}
		values, _ := m["values"].(map[string]any)
		out = append(out, TriggerRef{TypeID: id, Values: values})
	}
	return out
}

// RenderedTrigger is a trigger's own rendered script/content/title, produced
// by looking up its target type and rendering that type's template against
// the trigger's own values (spec §4.2 step 10; deployment.rs's
// visit_trigger) — distinct from the declaring object's script/content.
type RenderedTrigger struct {
	TypeID  int64           `json:"typeId"`
	Title   string          `json:"title,omitempty"`
	Script  string          `json:"script,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// SudoOn reports the sudoOn boolean flag, if present (spec §9 open question).
func (c ObjectContent) SudoOn() bool {
	v, _ := c["sudoOn"].(bool)
	return v
}

func int64List(v any) []int64 {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(arr))
	for _, e := range arr {
		switch n := e.(type) {
		case float64:
			out = append(out, int64(n))
		case json.Number:
			i, _ := n.Int64()
			out = append(out, i)
		}
	}
	return out
}

// Object is a versioned configuration record (spec §3).
type Object struct {
	ID       int64         `json:"id"`
	Version  int64         `json:"version"`
	Type     int64         `json:"type"`
	Name     string        `json:"name"`
	Category string        `json:"category,omitempty"`
	Content  ObjectContent `json:"content"` // nil => tombstoned
	Author   string        `json:"author"`
	Time     time.Time     `json:"time"`
	Comment  string        `json:"comment,omitempty"`
	Newest   bool          `json:"newest"`
}

// Deleted reports whether this version tombstones the object (spec §4.1).
func (o Object) Deleted() bool { return o.Content == nil }

// DeploymentRecord is the persisted record of what was last deployed for a
// (host, name) pair (spec §3).
type DeploymentRecord struct {
	Host           int64     `json:"host"`
	Name           string    `json:"name"`
	Content        []byte    `json:"content"` // raw JSON, compared byte-for-byte against next_content
	Script         string    `json:"script"`
	Triggers       []RenderedTrigger `json:"triggers,omitempty"`
	DeploymentOrder int64    `json:"deploymentOrder"`
	TypeName       string    `json:"typeName"`
	ObjectID       int64     `json:"objectId"`
	Time           time.Time `json:"time"`
	Title          string    `json:"title,omitempty"`
}

// Key returns the composite (host, name) key used throughout the planner
// and executor's record indices (grounded on internal/engine/queue.go's
// "hostID::name" composite-key style).
func (r DeploymentRecord) Key() string {
	return recordKey(r.Host, r.Name)
}

func recordKey(host int64, name string) string {
	return string(appendInt64(nil, host)) + "::" + name
}

func appendInt64(buf []byte, v int64) []byte {
	return append(buf, []byte(itoa(v))...)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

// ActionKind enumerates a PlanAction's disposition (spec §3).
type ActionKind string

const (
	ActionAdd     ActionKind = "Add"
	ActionModify  ActionKind = "Modify"
	ActionRemove  ActionKind = "Remove"
	ActionTrigger ActionKind = "Trigger"
)

// ActionStatus enumerates a PlanAction's execution status (spec §3).
type ActionStatus string

const (
	StatusNormal    ActionStatus = "Normal"
	StatusDeploying ActionStatus = "Deploying"
	StatusSuccess   ActionStatus = "Success"
	StatusFailure   ActionStatus = "Failure"
)

// PlanAction is one entry of the planner's output (spec §3).
type PlanAction struct {
	Index           int          `json:"index"`
	Host            int64        `json:"host"`
	Name            string       `json:"name"` // dotted path
	Title           string       `json:"title"`
	Enabled         bool         `json:"enabled"`
	Status          ActionStatus `json:"status"`
	Action          ActionKind   `json:"action"`
	Script          string       `json:"script,omitempty"`
	PrevScript      string       `json:"prevScript,omitempty"`
	NextContent     json.RawMessage `json:"nextContent,omitempty"`
	PrevContent     json.RawMessage `json:"prevContent,omitempty"`
	ObjectID        int64        `json:"objectId,omitempty"`
	TypeID          int64        `json:"typeId"`
	TypeName        string       `json:"typeName"`
	Triggers        []RenderedTrigger `json:"triggers,omitempty"`
	DeploymentOrder int64        `json:"deploymentOrder"`
	SumKind         bool         `json:"sumKind,omitempty"` // type.Kind == Sum: executor coalesces contiguous same-(host,type) actions
	Kind            Kind         `json:"kind,omitempty"`    // the object's type.kind; executor dispatches Docker actions as a DeployService job instead of RunScript
}

// ServiceState enumerates the agent-local service lifecycle (spec §3).
type ServiceState string

const (
	ServiceNew       ServiceState = "New"
	ServiceStarting  ServiceState = "Starting"
	ServiceReady     ServiceState = "Ready"
	ServiceRunning   ServiceState = "Running"
	ServiceReloading ServiceState = "Reloading"
	ServiceStopping  ServiceState = "Stopping"
	ServiceStopped   ServiceState = "Stopped"
)

// ServiceDescription is the parsed YAML service spec (spec §4.5 step 1).
type ServiceDescription struct {
	Name         string            `json:"name" yaml:"name"`
	User         string            `json:"user,omitempty" yaml:"user,omitempty"`
	Image        string            `json:"image,omitempty" yaml:"image,omitempty"`
	Overlap      bool              `json:"overlap" yaml:"overlap"`
	Notify       bool              `json:"notify" yaml:"notify"` // Notify-type vs Plain-type
	StartTimeout time.Duration     `json:"startTimeout" yaml:"startTimeout"`
	StopTimeout  time.Duration     `json:"stopTimeout" yaml:"stopTimeout"`
	StopSignal   string            `json:"stopSignal,omitempty" yaml:"stopSignal,omitempty"`
	MemoryLimit  string            `json:"memoryLimit,omitempty" yaml:"memoryLimit,omitempty"`
	Binds        []string          `json:"binds,omitempty" yaml:"binds,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	PreDeploy    []string          `json:"preDeploy,omitempty" yaml:"preDeploy,omitempty"`
	ExtractFiles []ExtractFile     `json:"extractFiles,omitempty" yaml:"extractFiles,omitempty"`
	Exec         []string          `json:"exec,omitempty" yaml:"exec,omitempty"`
	Pod          bool              `json:"pod,omitempty" yaml:"pod,omitempty"`
}

// ExtractFile names a path copied out of the throwaway deploy container
// (spec §4.5 step 5).
type ExtractFile struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Mode   uint32 `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// ServiceStatus is the agent-local persisted record of a running service
// (spec §3).
type ServiceStatus struct {
	Name        string             `json:"name"`
	State       ServiceState       `json:"state"`
	Description ServiceDescription `json:"description"`
	ExtraEnv    map[string]string  `json:"extraEnv,omitempty"`
	InstanceID  int64              `json:"instanceId"` // epoch-ms
	Enabled     bool               `json:"enabled"`
	StdoutKey   string             `json:"stdoutKey"`
	StderrKey   string             `json:"stderrKey"`
	NotifyKey   string             `json:"notifyKey"`
	ProcessKey  string             `json:"processKey"`
	StartTime   time.Time          `json:"startTime,omitempty"`
	StopTime    time.Time          `json:"stopTime,omitempty"`
	DeployTime  time.Time          `json:"deployTime"`
	DeployUser  string             `json:"deployUser"`
	Image       string             `json:"image,omitempty"`
	PodName     string             `json:"podName,omitempty"`
	CgroupPath  string             `json:"cgroupPath,omitempty"`
}

// Message is a row in the messages table (spec §6).
type Message struct {
	ID        int64     `json:"id"`
	Host      int64     `json:"host"`
	Type      string    `json:"type"`
	Subtype   string    `json:"subtype,omitempty"`
	Message   string    `json:"message"`
	URL       string    `json:"url,omitempty"`
	Time      time.Time `json:"time"`
	Dismissed bool      `json:"dismissed"`
}

// ImageManifest is a row in the registry's manifest table (spec §4.7,
// §3 "Registry manifest"): one pushed project:tag, its manifest JSON, and
// the bookkeeping the pruner and UI need around it.
type ImageManifest struct {
	Project      string            `json:"project"`
	Tag          string            `json:"tag"`
	ManifestJSON []byte            `json:"manifestJson"`
	MediaType    string            `json:"mediaType"`
	ConfigDigest string            `json:"configDigest"`
	Labels       map[string]string `json:"labels,omitempty"`
	PushUser     string            `json:"pushUser"`
	PushTime     time.Time         `json:"pushTime"`
	Pinned       bool              `json:"pinned"`
	Removed      *time.Time        `json:"removed,omitempty"`
	Used         *time.Time        `json:"used,omitempty"`
}

// Key returns the composite "project:tag" key the registry store indexes
// manifests by.
func (m ImageManifest) Key() string {
	return m.Project + ":" + m.Tag
}

// BlobLayer describes one layer or config entry referenced by a manifest,
// enough to validate a manifest PUT against on-disk blobs (spec §4.7:
// "validates every layer digest and byte size against the on-disk blob").
type BlobLayer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}
