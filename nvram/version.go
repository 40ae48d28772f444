package nvram

import (
	"github.com/norflash/nvstore"
	"github.com/norflash/nvstore/sched"
)

// VersionTracker condenses change notifications for one ID into a
// monotonically increasing version number, so tasks can poll or wait for
// changes without holding on to record handles.
type VersionTracker struct {
	version uint32
}

// NewVersionTracker registers a tracker for the given ID. The version starts
// at 1 and increases by one on every change notification. Like all notifier
// registrations it is discarded by Initialize.
func (m *Manager) NewVersionTracker(id nvstore.ID) *VersionTracker {
	vt := &VersionTracker{version: 1}
	m.RegisterNotifier(id, func(nvstore.ID) { vt.version++ })
	return vt
}

// Version returns the current version.
func (vt *VersionTracker) Version() uint32 {
	return vt.version
}

// IsCurrent reports whether v is still the latest version.
func (vt *VersionTracker) IsCurrent(v uint32) bool {
	return vt.version == v
}

// WaitChange suspends the task until the version has moved past v and returns
// the new version.
func (vt *VersionTracker) WaitChange(t *sched.Task, v uint32) uint32 {
	t.WaitUntil(func() bool { return vt.version != v })
	return vt.version
}

// WaitChangeFor is WaitChange with a tick budget. It reports the latest
// version and whether it differs from v.
func (vt *VersionTracker) WaitChangeFor(t *sched.Task, v uint32, ticks uint64) (uint32, bool) {
	t.WaitUntilFor(func() bool { return vt.version != v }, ticks)
	return vt.version, vt.version != v
}
