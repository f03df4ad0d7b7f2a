package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	digest "github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/robfig/cron/v3"

	"github.com/simpleadmin/sadmin/internal/model"
)

// pruneGrace is the retention window spec §4.7 adds on top of "active
// lifetime" before a manifest becomes eligible for removal ("twice the
// active lifetime plus a 14-day grace exceeds now-start").
const pruneGrace = 14 * 24 * time.Hour

// Pruner periodically marks stale manifests removed and deletes blobs no
// longer referenced by any live manifest (spec §4.7's pruner, grounded on
// internal/engine/cleanup.go's list-live-then-prune-the-rest shape).
type Pruner struct {
	manifests ManifestStore
	blobs     *BlobStore
	log       *slog.Logger
	cron      *cron.Cron
}

// NewPruner builds a Pruner that runs every interval via a robfig/cron
// schedule (spec default 12h, config.RegistryPruneEvery).
func NewPruner(manifests ManifestStore, blobs *BlobStore, interval time.Duration, log *slog.Logger) *Pruner {
	p := &Pruner{
		manifests: manifests,
		blobs:     blobs,
		log:       log.With("component", "registry-pruner"),
		cron:      cron.New(),
	}
	spec := "@every " + interval.String()
	_, _ = p.cron.AddFunc(spec, func() { p.Run(context.Background()) })
	return p
}

// Start begins the periodic schedule.
func (p *Pruner) Start() { p.cron.Start() }

// Stop halts the schedule, waiting for any in-flight run to finish.
func (p *Pruner) Stop() { <-p.cron.Stop().Done() }

// Run executes one prune pass: mark phase over manifests, then sweep
// phase over blobs (spec §4.7's two-step "mark removed ... then delete
// every blob file not referenced").
func (p *Pruner) Run(ctx context.Context) {
	manifests, err := p.manifests.ListManifests()
	if err != nil {
		p.log.Error("list manifests failed", "error", err)
		return
	}

	now := time.Now().UTC()
	kept := make([]model.ImageManifest, 0, len(manifests))
	marked := 0
	for _, m := range manifests {
		if m.Removed != nil {
			continue // already marked; still contributes no referenced blobs below
		}
		if p.keep(m, manifests, now) {
			kept = append(kept, m)
			continue
		}
		if err := p.manifests.SetManifestRemoved(m.Project, m.Tag, now); err != nil {
			p.log.Warn("mark manifest removed failed", "project", m.Project, "tag", m.Tag, "error", err)
			continue
		}
		marked++
	}

	live := referencedDigests(kept)
	blobs, err := p.blobs.List()
	if err != nil {
		p.log.Error("list blobs failed", "error", err)
		return
	}
	deleted := 0
	for _, d := range blobs {
		if live[d] {
			continue
		}
		if err := p.blobs.Delete(d); err != nil {
			p.log.Warn("delete blob failed", "digest", d.String(), "error", err)
			continue
		}
		deleted++
	}
	p.log.Info("prune pass complete", "marked_removed", marked, "blobs_deleted", deleted, "blobs_kept", len(live))
}

// keep decides whether a manifest survives this prune pass (spec §4.7's
// pruner rule list, applied in order; any single match is sufficient).
func (p *Pruner) keep(m model.ImageManifest, all []model.ImageManifest, now time.Time) bool {
	if m.Pinned {
		return true
	}
	if pinned, err := p.manifests.IsTagPinned(m.Project, m.Tag); err == nil && pinned {
		return true
	}
	if (m.Tag == "latest" || m.Tag == "master") && isNewestForTag(m, all) {
		return true
	}
	if recentlyActive(m, now) {
		return true
	}
	if now.Sub(m.PushTime) < pruneGrace {
		return true
	}
	return false
}

// isNewestForTag reports whether m is the most recently pushed manifest
// sharing its project+tag.
func isNewestForTag(m model.ImageManifest, all []model.ImageManifest) bool {
	for _, other := range all {
		if other.Project == m.Project && other.Tag == m.Tag && other.PushTime.After(m.PushTime) {
			return false
		}
	}
	return true
}

// recentlyActive implements spec §4.7's "recently used" rule on the
// agent-reported used timestamp: when Used is set, used-to-now is compared
// against twice the push-to-used span plus the grace window, so a manifest
// that was live for a long stretch earns a proportionally longer tail
// before eligibility. A manifest with no used timestamp is never kept by
// this check.
func recentlyActive(m model.ImageManifest, now time.Time) bool {
	if m.Used != nil {
		activeSpan := m.Used.Sub(m.PushTime)
		if activeSpan < 0 {
			activeSpan = 0
		}
		if now.Sub(*m.Used) < 2*activeSpan+pruneGrace {
			return true
		}
	}
	return false
}

func referencedDigests(kept []model.ImageManifest) map[digest.Digest]bool {
	live := make(map[digest.Digest]bool)
	for _, k := range kept {
		if d, err := digest.Parse(k.ConfigDigest); err == nil {
			live[d] = true
		}
		var manifest ociv1.Manifest
		if err := json.Unmarshal(k.ManifestJSON, &manifest); err != nil {
			continue
		}
		live[manifest.Config.Digest] = true
		for _, l := range manifest.Layers {
			live[l.Digest] = true
		}
	}
	return live
}
