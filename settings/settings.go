// Package settings is a small façade over the record store for named,
// defaulted configuration values. Values are cached in memory and refreshed
// from flash only when the store's change version moves, so reads are cheap
// enough for hot paths.
package settings

import (
	"bytes"

	"github.com/norflash/nvstore"
	"github.com/norflash/nvstore/nvram"
	"github.com/norflash/nvstore/sched"
	"github.com/norflash/nvstore/storage"
)

// Spec describes one setting: its record key, a human-readable name for
// tooling, and the default value. The default also fixes the setting's size;
// stored records that are shorter than the default fall back to it.
type Spec struct {
	Key     nvstore.ID
	Name    string
	Default []byte
}

type setting struct {
	spec   Spec
	value  []byte
	notify bool
}

// Settings manages a set of specs stored under one ID.
type Settings struct {
	store    *storage.VariableUniqueKey
	tracker  *nvram.VersionTracker
	settings []*setting
	version  uint32
}

// New creates the façade and loads every setting. Like all notifier
// registrations, the change tracking is tied to the current initialization of
// the manager.
func New(m *nvram.Manager, id nvstore.ID, specs []Spec) *Settings {
	s := &Settings{
		store:   storage.NewVariableUniqueKey(m, id),
		tracker: m.NewVersionTracker(id),
	}
	for _, spec := range specs {
		s.settings = append(s.settings, &setting{spec: spec})
	}
	s.version = s.tracker.Version()
	for _, st := range s.settings {
		st.value = s.load(st.spec)
	}
	return s
}

// load reads one setting from flash, falling back to the default when the
// record is missing or too short to be a value of this setting.
func (s *Settings) load(spec Spec) []byte {
	data, err := s.store.Get(spec.Key)
	if err != nil || len(data) < len(spec.Default) {
		return spec.Default
	}
	return data[:len(spec.Default)]
}

func (s *Settings) find(key nvstore.ID) *setting {
	for _, st := range s.settings {
		if st.spec.Key == key {
			return st
		}
	}
	return nil
}

// Lookup returns the spec registered under the given name.
func (s *Settings) Lookup(name string) (Spec, bool) {
	for _, st := range s.settings {
		if st.spec.Name == name {
			return st.spec, true
		}
	}
	return Spec{}, false
}

// Specs returns the specs of all registered settings.
func (s *Settings) Specs() []Spec {
	specs := make([]Spec, len(s.settings))
	for i, st := range s.settings {
		specs[i] = st.spec
	}
	return specs
}

// Refresh reloads the cache if anything stored under the settings ID changed
// since the last refresh. Settings whose value actually changed get their
// notify flag raised.
func (s *Settings) Refresh() {
	if s.tracker.IsCurrent(s.version) {
		return
	}
	s.version = s.tracker.Version()
	for _, st := range s.settings {
		value := s.load(st.spec)
		if !bytes.Equal(value, st.value) {
			st.value = value
			st.notify = true
		}
	}
}

// IsCurrent reports whether the cache reflects the stored state.
func (s *Settings) IsCurrent() bool {
	return s.tracker.IsCurrent(s.version)
}

// WaitChange suspends the task until something stored under the settings ID
// changes, then refreshes the cache.
func (s *Settings) WaitChange(t *sched.Task) {
	s.tracker.WaitChange(t, s.version)
	s.Refresh()
}

// Get returns the cached value of the setting, or nil for an unknown key. The
// slice must not be modified.
func (s *Settings) Get(key nvstore.ID) []byte {
	s.Refresh()
	st := s.find(key)
	if st == nil {
		return nil
	}
	return st.value
}

// Set stores a new value. Values matching the stored one are not written.
// Setting the default erases the record instead, so unchanged devices never
// grow a settings page.
func (s *Settings) Set(key nvstore.ID, value []byte) error {
	st := s.find(key)
	if st == nil {
		return nvstore.ErrNotFound.WithMessage("no such setting")
	}
	if len(value) != len(st.spec.Default) {
		return nvstore.ErrInvalidArgument.WithMessage("value has the wrong size")
	}

	if bytes.Equal(value, st.spec.Default) {
		if _, err := s.store.Delete(key); err != nil {
			return err
		}
	} else if err := s.store.Set(key, value); err != nil {
		return err
	}
	s.Refresh()
	return nil
}

// NeedsNotify reports whether the setting changed since MarkNotified was last
// called for it. Application code polls this to react to settings changed
// behind its back.
func (s *Settings) NeedsNotify(key nvstore.ID) bool {
	s.Refresh()
	st := s.find(key)
	return st != nil && st.notify
}

// MarkNotified clears the setting's notify flag.
func (s *Settings) MarkNotified(key nvstore.ID) {
	if st := s.find(key); st != nil {
		st.notify = false
	}
}
