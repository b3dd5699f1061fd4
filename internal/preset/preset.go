// Package preset stores named template+input bundles operators save
// through the admin API and reuse across webhook, trigger, and schedule
// submissions. Persistence uses the same atomic-replace JSON discipline as
// the approval store and scheduler.
package preset

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/infrastructure/state"
)

// Preset is one saved bundle: a template binding plus its fixed inputs.
type Preset struct {
	PresetID   string                 `json:"preset_id"`
	Name       string                 `json:"name"`
	TemplateID string                 `json:"template_id"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

const defaultMaxPresets = 500

// Store holds presets in memory with optional file persistence.
type Store struct {
	mu          sync.Mutex
	presets     map[string]*Preset
	maxPresets  int
	persistPath string
	log         *logrus.Entry
}

// Option configures a Store.
type Option func(*Store)

// WithPersistFile enables atomic-replace JSON persistence at path.
func WithPersistFile(path string) Option {
	return func(s *Store) { s.persistPath = path }
}

// WithMaxPresets caps how many presets the store accepts.
func WithMaxPresets(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxPresets = n
		}
	}
}

// New constructs a Store, loading persisted state when a file is configured.
func New(log *logrus.Entry, opts ...Option) *Store {
	s := &Store{
		presets:    make(map[string]*Preset),
		maxPresets: defaultMaxPresets,
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persistPath != "" {
		if err := s.load(); err != nil && s.log != nil {
			s.log.WithError(err).Warn("preset: failed to load persisted state")
		}
	}
	return s
}

// Create registers a new preset and returns its id.
func (s *Store) Create(p Preset) (string, error) {
	if p.Name == "" {
		return "", errors.ValidationError("name", "preset name is required")
	}
	if p.TemplateID == "" {
		return "", errors.ValidationError("template_id", "template_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.presets) >= s.maxPresets {
		return "", errors.Conflict("preset limit reached")
	}
	for _, existing := range s.presets {
		if existing.Name == p.Name {
			return "", errors.Conflict("preset name already in use")
		}
	}

	if p.PresetID == "" {
		p.PresetID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	cp := p
	s.presets[p.PresetID] = &cp
	s.persistLocked()
	return p.PresetID, nil
}

// Get returns one preset by id.
func (s *Store) Get(presetID string) (*Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presets[presetID]
	if !ok {
		return nil, errors.NotFound("preset", presetID)
	}
	cp := *p
	return &cp, nil
}

// List returns all presets sorted by name.
func (s *Store) List() []Preset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Preset, 0, len(s.presets))
	for _, p := range s.presets {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update replaces a preset's name, template binding, and inputs.
func (s *Store) Update(presetID string, upd Preset) error {
	if upd.TemplateID == "" {
		return errors.ValidationError("template_id", "template_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presets[presetID]
	if !ok {
		return errors.NotFound("preset", presetID)
	}
	if upd.Name != "" && upd.Name != p.Name {
		for id, existing := range s.presets {
			if id != presetID && existing.Name == upd.Name {
				return errors.Conflict("preset name already in use")
			}
		}
		p.Name = upd.Name
	}
	p.TemplateID = upd.TemplateID
	p.Inputs = upd.Inputs
	p.UpdatedAt = time.Now()
	s.persistLocked()
	return nil
}

// Delete removes a preset.
func (s *Store) Delete(presetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.presets[presetID]; !ok {
		return errors.NotFound("preset", presetID)
	}
	delete(s.presets, presetID)
	s.persistLocked()
	return nil
}

func (s *Store) persistLocked() {
	if s.persistPath == "" {
		return
	}
	if err := state.SaveJSON(s.persistPath, s.presets); err != nil && s.log != nil {
		s.log.WithError(err).Error("preset: persist failed")
	}
}

func (s *Store) load() error {
	var loaded map[string]*Preset
	found, err := state.LoadJSON(s.persistPath, &loaded)
	if err != nil || !found {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if loaded != nil {
		s.presets = loaded
	}
	return nil
}
