// Package packs manages template packs: named template bundles pinned by
// content hash against a trust-roots file, with a quarantine index for
// packs an operator has pulled out of service. State lives under the
// registry/ subtree of the state directory (trust/trust_roots.json and
// quarantine/index.json), written with the same atomic-replace discipline
// as the rest of the persisted stores.
package packs

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/infrastructure/state"
)

// Pack is one registered template pack.
type Pack struct {
	Name         string    `json:"name"`
	ContentHash  string    `json:"content_hash"`
	TemplateIDs  []string  `json:"template_ids,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// QuarantineEntry records a pack pulled out of service.
type QuarantineEntry struct {
	Name          string    `json:"name"`
	ContentHash   string    `json:"content_hash"`
	Reason        string    `json:"reason"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Registry holds registered packs, their trust roots, and the quarantine
// index.
type Registry struct {
	mu         sync.Mutex
	packs      map[string]*Pack
	trustRoots map[string]string // pack name -> pinned content hash
	quarantine map[string]*QuarantineEntry

	trustPath      string
	quarantinePath string
	log            *logrus.Entry
}

// NewRegistry constructs a Registry rooted at registryDir (empty disables
// persistence), loading any persisted trust roots and quarantine index.
func NewRegistry(registryDir string, log *logrus.Entry) *Registry {
	r := &Registry{
		packs:      make(map[string]*Pack),
		trustRoots: make(map[string]string),
		quarantine: make(map[string]*QuarantineEntry),
		log:        log,
	}
	if registryDir != "" {
		r.trustPath = filepath.Join(registryDir, "trust", "trust_roots.json")
		r.quarantinePath = filepath.Join(registryDir, "quarantine", "index.json")
		if err := r.load(); err != nil && log != nil {
			log.WithError(err).Warn("packs: failed to load persisted registry state")
		}
	}
	return r
}

// HashContent computes the content hash packs are pinned by.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Register admits a pack. A pack with a pinned trust root must match it
// exactly; an unpinned pack's hash becomes the new trust root. Quarantined
// packs are refused until released.
func (r *Registry) Register(p Pack) error {
	if p.Name == "" {
		return errors.ValidationError("name", "pack name is required")
	}
	if p.ContentHash == "" {
		return errors.ValidationError("content_hash", "content hash is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bad := r.quarantine[p.Name]; bad {
		return errors.Forbidden("pack is quarantined")
	}
	if pinned, ok := r.trustRoots[p.Name]; ok && pinned != p.ContentHash {
		return errors.Forbidden("pack content hash does not match pinned trust root")
	}

	p.RegisteredAt = time.Now()
	cp := p
	r.packs[p.Name] = &cp
	r.trustRoots[p.Name] = p.ContentHash
	r.persistLocked()
	return nil
}

// Get returns one registered pack.
func (r *Registry) Get(name string) (*Pack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packs[name]
	if !ok {
		return nil, errors.NotFound("pack", name)
	}
	cp := *p
	return &cp, nil
}

// List returns all registered packs sorted by name.
func (r *Registry) List() []Pack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pack, 0, len(r.packs))
	for _, p := range r.packs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Quarantine pulls a pack out of service, recording the reason. The trust
// root is kept so a later re-register of different content still fails.
func (r *Registry) Quarantine(name, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packs[name]
	if !ok {
		return errors.NotFound("pack", name)
	}
	r.quarantine[name] = &QuarantineEntry{
		Name:          name,
		ContentHash:   p.ContentHash,
		Reason:        reason,
		QuarantinedAt: time.Now(),
	}
	delete(r.packs, name)
	r.persistLocked()
	return nil
}

// Quarantined returns the quarantine index sorted by name.
func (r *Registry) Quarantined() []QuarantineEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QuarantineEntry, 0, len(r.quarantine))
	for _, q := range r.quarantine {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Release lifts a quarantine so the pack may be registered again.
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.quarantine[name]; !ok {
		return errors.NotFound("quarantine entry", name)
	}
	delete(r.quarantine, name)
	r.persistLocked()
	return nil
}

// Delete unregisters a pack and drops its trust root.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.packs[name]; !ok {
		return errors.NotFound("pack", name)
	}
	delete(r.packs, name)
	delete(r.trustRoots, name)
	r.persistLocked()
	return nil
}

type trustFile struct {
	Packs      map[string]*Pack  `json:"packs"`
	TrustRoots map[string]string `json:"trust_roots"`
}

func (r *Registry) persistLocked() {
	if r.trustPath == "" {
		return
	}
	if err := state.SaveJSON(r.trustPath, trustFile{Packs: r.packs, TrustRoots: r.trustRoots}); err != nil && r.log != nil {
		r.log.WithError(err).Error("packs: persist trust roots failed")
	}
	if err := state.SaveJSON(r.quarantinePath, r.quarantine); err != nil && r.log != nil {
		r.log.WithError(err).Error("packs: persist quarantine index failed")
	}
}

func (r *Registry) load() error {
	var tf trustFile
	if found, err := state.LoadJSON(r.trustPath, &tf); err != nil {
		return err
	} else if found {
		if tf.Packs != nil {
			r.packs = tf.Packs
		}
		if tf.TrustRoots != nil {
			r.trustRoots = tf.TrustRoots
		}
	}

	var q map[string]*QuarantineEntry
	if found, err := state.LoadJSON(r.quarantinePath, &q); err != nil {
		return err
	} else if found && q != nil {
		r.quarantine = q
	}
	return nil
}
