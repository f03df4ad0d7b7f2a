// Package registry implements the Docker Registry v2 subset needed for
// push/pull plus the pruner (spec §4.7), grounded on the teacher's outbound
// registry client (internal/registry/{auth,credentials,ratelimit,parse}.go)
// repointed inbound: this server is what those files used to poll against.
package registry

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	digest "github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/simpleadmin/sadmin/internal/auth"
	"github.com/simpleadmin/sadmin/internal/events"
	"github.com/simpleadmin/sadmin/internal/model"
)

// ManifestStore is the subset of internal/store.Store the registry needs
// for manifest bookkeeping.
type ManifestStore interface {
	PutManifest(m model.ImageManifest) error
	GetManifest(project, tag string) (model.ImageManifest, bool, error)
	ListManifests() ([]model.ImageManifest, error)
	ListManifestsByProject(project string) ([]model.ImageManifest, error)
	SetManifestRemoved(project, tag string, removed time.Time) error
	SetManifestUsed(project, tag string, used time.Time) error
	SetManifestPinned(project, tag string, pinned bool) error
	IsTagPinned(project, tag string) (bool, error)
	SetTagPinned(project, tag string, pinned bool) error
}

// HostStatusSource reports which hosts currently hold a live agent
// connection, for the /status endpoint (kept as a narrow local interface,
// grounded on internal/control/server.go's narrow-Supervisor pattern, so
// this package doesn't need to import internal/hostserver).
type HostStatusSource interface {
	UpHosts() []int64
}

// MessageStore is the subset of internal/store.Store the /messages
// endpoint reads.
type MessageStore interface {
	UnreadMessageCount() (int, error)
}

// Dependencies wires the registry server's collaborators.
type Dependencies struct {
	Manifests  ManifestStore
	Blobs      *BlobStore
	Hosts      HostStatusSource
	Messages   MessageStore
	EventBus   *events.Bus
	Auth       *auth.Service
	AgentSetup string // setup.sh script body template (spec §4.7 "GET /setup.sh serves a bootstrap script")
	Log        *slog.Logger
}

// Server implements the registry's HTTP surface. It is mounted onto the
// web gateway's mux rather than owning its own listener (spec.md doesn't
// name a separate registry port; it's part of the one control-plane HTTP
// surface alongside the web gateway).
type Server struct {
	manifests  ManifestStore
	blobs      *BlobStore
	uploads    *uploadManager
	hosts      HostStatusSource
	messages   MessageStore
	bus        *events.Bus
	auth       *auth.Service
	setupTmpl  *template.Template
	log        *slog.Logger
}

// New builds a registry Server. uploadsDir is where in-progress uploads
// are staged before being adopted into blobsDir.
func New(deps Dependencies, uploadsDir string) (*Server, error) {
	uploads, err := newUploadManager(uploadsDir)
	if err != nil {
		return nil, err
	}
	s := &Server{
		manifests: deps.Manifests,
		blobs:     deps.Blobs,
		uploads:   uploads,
		hosts:     deps.Hosts,
		messages:  deps.Messages,
		bus:       deps.EventBus,
		auth:      deps.Auth,
		log:       deps.Log.With("component", "registry"),
	}
	if deps.AgentSetup != "" {
		tmpl, err := template.New("setup.sh").Parse(deps.AgentSetup)
		if err != nil {
			return nil, fmt.Errorf("parse setup.sh template: %w", err)
		}
		s.setupTmpl = tmpl
	}
	return s, nil
}

// RegisterRoutes mounts the registry's HTTP surface onto mux (spec §4.7
// line 168's endpoint list).
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v2/", s.handlePing)
	mux.HandleFunc("HEAD /v2/{project}/blobs/{digest}", s.handleBlob)
	mux.HandleFunc("GET /v2/{project}/blobs/{digest}", s.handleBlob)
	mux.HandleFunc("POST /v2/{project}/blobs/uploads/", s.handleUploadStart)
	mux.HandleFunc("PATCH /v2/{project}/blobs/uploads/{uuid}", s.handleUploadChunk)
	mux.HandleFunc("PUT /v2/{project}/blobs/uploads/{uuid}", s.handleUploadFinalize)
	mux.HandleFunc("GET /v2/{project}/blobs/uploads/{uuid}", s.handleUploadStatus)
	mux.HandleFunc("GET /v2/{project}/manifests/{reference}", s.handleGetManifest)
	mux.HandleFunc("PUT /v2/{project}/manifests/{reference}", s.handlePutManifest)

	mux.HandleFunc("GET /docker/{project}", s.handleListTags)
	mux.HandleFunc("POST /usedImages", s.handleUsedImages)
	mux.HandleFunc("GET /setup.sh", s.handleSetupScript)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /messages", s.handleMessages)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}

// handleBlob serves HEAD|GET /v2/{project}/blobs/{digest} (spec §4.7's
// round-trip invariant: "GET .../blobs/B returns C with
// Content-Length=|C| and Docker-Content-Digest=B").
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if !s.requireCapability(w, r, auth.PermRegistryPull) {
		return
	}
	dgst, err := digest.Parse(r.PathValue("digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeDigestInvalid, "malformed digest")
		return
	}
	if !s.blobs.Exists(dgst) {
		writeError(w, http.StatusNotFound, CodeBlobUnknown, "blob not found")
		return
	}
	size, err := s.blobs.Size(dgst)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeBlobUnknown, "blob not found")
		return
	}
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	if r.Method == http.MethodHead {
		return
	}
	f, err := s.blobs.Reader(dgst)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeBlobUnknown, "blob not found")
		return
	}
	defer f.Close()
	_, _ = io.Copy(w, f)
}

// handleUploadStart begins a blob upload (spec §4.7: "Uploads are
// identified by a server-assigned UUID").
func (s *Server) handleUploadStart(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	if !s.requireCapability(w, r, auth.PermRegistryPush) {
		return
	}
	up, err := s.uploads.Start()
	if err != nil {
		s.log.Error("start upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeUnknown, "could not start upload")
		return
	}
	loc := fmt.Sprintf("/v2/%s/blobs/uploads/%s", project, up.id)
	w.Header().Set("Location", loc)
	w.Header().Set("Docker-Upload-UUID", up.id)
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

// handleUploadChunk appends the request body to an in-progress upload
// (spec §4.7: "each chunk writes to an open file while a running SHA-256
// is maintained").
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	if !s.requireCapability(w, r, auth.PermRegistryPush) {
		return
	}
	up, ok := s.uploads.get(r.PathValue("uuid"))
	if !ok {
		writeError(w, http.StatusNotFound, CodeBlobUploadUnknown, "no such upload")
		return
	}
	size, err := up.WriteChunk(r.Body)
	if err == errUploadBusy {
		writeError(w, http.StatusBadRequest, CodeBlobUploadInvalid, "concurrent write to this upload")
		return
	}
	if err != nil {
		s.log.Error("upload chunk failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeUnknown, "write failed")
		return
	}
	loc := fmt.Sprintf("/v2/%s/blobs/uploads/%s", project, up.id)
	w.Header().Set("Location", loc)
	w.Header().Set("Docker-Upload-UUID", up.id)
	w.Header().Set("Range", fmt.Sprintf("0-%d", size-1))
	w.WriteHeader(http.StatusAccepted)
}

// handleUploadFinalize completes an upload (spec §4.7: "On final PUT with
// ?digest=sha256:<hex>, the computed digest must match or the request
// fails with DIGEST_INVALID; the file is then atomically renamed").
func (s *Server) handleUploadFinalize(w http.ResponseWriter, r *http.Request) {
	if !s.requireCapability(w, r, auth.PermRegistryPush) {
		return
	}
	uuid := r.PathValue("uuid")
	up, ok := s.uploads.get(uuid)
	if !ok {
		writeError(w, http.StatusNotFound, CodeBlobUploadUnknown, "no such upload")
		return
	}
	if r.ContentLength > 0 {
		if _, err := up.WriteChunk(r.Body); err != nil {
			writeError(w, http.StatusInternalServerError, CodeUnknown, "write failed")
			return
		}
	}
	wantStr := r.URL.Query().Get("digest")
	want, err := digest.Parse(wantStr)
	if err != nil {
		s.uploads.Cancel(uuid)
		writeError(w, http.StatusBadRequest, CodeDigestInvalid, "missing or malformed digest parameter")
		return
	}
	got := up.Digest()
	if got != want {
		_ = up.Close()
		s.uploads.Cancel(uuid)
		writeErrorDetail(w, http.StatusBadRequest, CodeDigestInvalid, "digest mismatch", fmt.Sprintf("computed %s", got))
		return
	}
	if err := up.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, CodeUnknown, "close upload failed")
		return
	}
	if err := s.blobs.AdoptUpload(up.path, want); err != nil {
		s.log.Error("adopt upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeUnknown, "could not store blob")
		return
	}
	s.uploads.remove(uuid)

	w.Header().Set("Docker-Content-Digest", want.String())
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
}

// handleUploadStatus reports how many bytes of an in-progress upload have
// landed (spec §4.7: "GET .../blobs/uploads/{uuid}" upload progress query).
func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	if !s.requireCapability(w, r, auth.PermRegistryPush) {
		return
	}
	up, ok := s.uploads.get(r.PathValue("uuid"))
	if !ok {
		writeError(w, http.StatusNotFound, CodeBlobUploadUnknown, "no such upload")
		return
	}
	loc := fmt.Sprintf("/v2/%s/blobs/uploads/%s", project, up.id)
	w.Header().Set("Location", loc)
	w.Header().Set("Docker-Upload-UUID", up.id)
	w.Header().Set("Range", fmt.Sprintf("0-%d", up.size-1))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	reference := r.PathValue("reference")
	if !s.requireCapability(w, r, auth.PermRegistryPull) {
		return
	}
	m, ok, err := s.manifests.GetManifest(project, reference)
	if err != nil {
		s.log.Error("get manifest failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeUnknown, "lookup failed")
		return
	}
	if !ok || m.Removed != nil {
		writeError(w, http.StatusNotFound, CodeManifestUnknown, "manifest not found")
		return
	}
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.Header().Set("Content-Type", m.MediaType)
	w.Header().Set("Docker-Content-Digest", m.ConfigDigest)
	w.Write(m.ManifestJSON)
}

// handlePutManifest validates and stores a pushed manifest (spec §4.7:
// "Manifest PUT validates every layer digest and byte size against the
// on-disk blob, parses the image config blob to extract labels, stores
// the manifest row, and broadcasts an image-tags-changed event").
func (s *Server) handlePutManifest(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	reference := r.PathValue("reference")
	rc := s.authenticate(r)
	if rc == nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="sadmin registry"`)
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return
	}
	if !rc.HasPermission(auth.PermRegistryPush) {
		writeError(w, http.StatusForbidden, CodeDenied, "missing required permission")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeManifestInvalid, "could not read body")
		return
	}

	var manifest ociv1.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		writeErrorDetail(w, http.StatusBadRequest, CodeManifestInvalid, "malformed manifest JSON", err.Error())
		return
	}

	for _, l := range append([]ociv1.Descriptor{manifest.Config}, manifest.Layers...) {
		size, err := s.blobs.Size(l.Digest)
		if err != nil {
			writeErrorDetail(w, http.StatusBadRequest, CodeBlobUnknown, "referenced blob not found", l.Digest.String())
			return
		}
		if size != l.Size {
			writeErrorDetail(w, http.StatusBadRequest, CodeSizeInvalid, "layer size mismatch", l.Digest.String())
			return
		}
	}

	labels := map[string]string{}
	if cfgReader, err := s.blobs.Reader(manifest.Config.Digest); err == nil {
		defer cfgReader.Close()
		var cfg ociv1.Image
		if json.NewDecoder(cfgReader).Decode(&cfg) == nil {
			labels = cfg.Config.Labels
		}
	}

	row := model.ImageManifest{
		Project:      project,
		Tag:          reference,
		ManifestJSON: body,
		MediaType:    manifest.MediaType,
		ConfigDigest: manifest.Config.Digest.String(),
		Labels:       labels,
		PushUser:     rc.User.Username,
		PushTime:     time.Now().UTC(),
	}
	if err := s.manifests.PutManifest(row); err != nil {
		s.log.Error("store manifest failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeUnknown, "could not store manifest")
		return
	}

	dgst := digest.FromBytes(body)
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)

	if s.bus != nil {
		s.bus.Publish(events.Broadcast{Type: events.EventDockerImageTagsChanged, Payload: map[string]string{"project": project, "tag": reference}})
	}
}

// handleListTags implements GET /docker/{project} (spec §4.7 line 168).
func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	if !s.requireCapability(w, r, auth.PermRegistryPull) {
		return
	}
	rows, err := s.manifests.ListManifestsByProject(project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeUnknown, "lookup failed")
		return
	}
	live := rows[:0]
	for _, m := range rows {
		if m.Removed == nil {
			live = append(live, m)
		}
	}
	writeJSON(w, live)
}

// handleUsedImages implements POST /usedImages?token=... (spec §4.7 line
// 168: "registers used digests"), called by agent heartbeats reporting
// which images are in use on a host so the pruner can spare them.
func (s *Server) handleUsedImages(w http.ResponseWriter, r *http.Request) {
	if !s.requireCapability(w, r, auth.PermRegistryPull) {
		return
	}
	var req struct {
		Images []struct {
			Project string `json:"project"`
			Tag     string `json:"tag"`
		} `json:"images"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeUnknown, "malformed body")
		return
	}
	now := time.Now().UTC()
	for _, img := range req.Images {
		_ = s.manifests.SetManifestUsed(img.Project, img.Tag, now)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetupScript implements GET /setup.sh: a bootstrap script new
// hosts curl at install time, grounded on internal/web/server.go's
// html/template page rendering, here rendering a shell script body
// instead of HTML.
func (s *Server) handleSetupScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/x-shellscript")
	if s.setupTmpl == nil {
		w.Write([]byte("#!/bin/sh\necho 'no setup script configured' >&2\nexit 1\n"))
		return
	}
	_ = s.setupTmpl.Execute(w, map[string]string{
		"Host": r.Host,
	})
}

// handleStatus implements GET /status?token=...: per-host online JSON
// (spec §4.7 line 168).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireCapability(w, r, auth.PermObjectsView) {
		return
	}
	up := map[int64]bool{}
	for _, h := range s.hosts.UpHosts() {
		up[h] = true
	}
	writeJSON(w, up)
}

// handleMessages implements GET /messages: unread count (spec §4.7 line
// 168).
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !s.requireCapability(w, r, auth.PermObjectsView) {
		return
	}
	count, err := s.messages.UnreadMessageCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeUnknown, "lookup failed")
		return
	}
	writeJSON(w, map[string]int{"unread": count})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
