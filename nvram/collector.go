package nvram

import (
	"sort"

	"github.com/norflash/nvstore"
	"github.com/norflash/nvstore/sched"
)

// CollectorFunc tries to reclaim space held by pages of the given ID and
// returns the number of pages it retired. Collectors run on the collector
// task without any lock held and may call any Manager method.
type CollectorFunc func(m *Manager, id nvstore.ID) int

// NotifierFunc is told that the data stored under the given ID changed. It
// runs inside the operation that made the change and must not call back into
// the Manager; set a flag and do the work elsewhere.
type NotifierFunc func(id nvstore.ID)

type pageCollector struct {
	id    nvstore.ID
	level int
	fn    CollectorFunc
}

type pageNotifier struct {
	id nvstore.ID
	fn NotifierFunc
}

// RegisterCollector registers a collection policy for the given ID.
//
// Level 0 policies are non-destructive and are drained in every collection
// round. Higher levels may discard data and only run while the store is below
// its free-page watermark, lowest level first; once a level yields pages,
// higher levels are not consulted in that round.
//
// Registering for an {ID, level} pair that already has a policy replaces it.
func (m *Manager) RegisterCollector(id nvstore.ID, level int, fn CollectorFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.collectors {
		if c := &m.collectors[i]; c.id == id && c.level == level {
			c.fn = fn
			return
		}
	}

	i := sort.Search(len(m.collectors), func(i int) bool {
		return m.collectors[i].level > level
	})
	m.collectors = append(m.collectors, pageCollector{})
	copy(m.collectors[i+1:], m.collectors[i:])
	m.collectors[i] = pageCollector{id: id, level: level, fn: fn}
}

// RegisterNotifier registers fn to be told about changes to the data stored
// under the given ID. ID 0 subscribes to every change.
func (m *Manager) RegisterNotifier(id nvstore.ID, fn NotifierFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, pageNotifier{id: id, fn: fn})
}

// Notify invokes the notifiers subscribed to the given ID.
func (m *Manager) Notify(id nvstore.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyLocked(id)
}

func (m *Manager) notifyLocked(id nvstore.ID) {
	for _, n := range m.notifiers {
		if n.id == id || n.id == 0 {
			n.fn(id)
		}
	}
}

// RunCollector schedules a collection pass if one is not already running.
func (m *Manager) RunCollector() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCollectorLocked()
}

// runCollectorLocked starts the collector when there is something for it to
// do: blocks waiting for erasure or the free-page watermark undercut.
func (m *Manager) runCollectorLocked() {
	if !m.blocksToErase && m.pagesAvailable >= m.lay.pagesKeptFree {
		return
	}
	m.startCollectorLocked()
}

func (m *Manager) startCollectorLocked() {
	if m.collecting {
		return
	}
	m.collecting = true
	m.sch.Spawn(m.collectorTask)
}

// Collect schedules a collection pass and suspends the calling task until the
// collector goes idle.
func (m *Manager) Collect(t *sched.Task) {
	m.RunCollector()
	t.WaitUntil(func() bool { return !m.Collecting() })
}

// collectorTask is the background collection loop. It drains the
// non-destructive policies, then alternates block erasure and destructive
// collection until the watermark is met or nothing more can be freed.
func (m *Manager) collectorTask(t *sched.Task) {
	m.logf("nvram: collector started")
	m.collect(false)

	for {
		if m.pendingErases() {
			m.eraseBlocks(t)
		}

		m.mu.Lock()
		enough := m.pagesAvailable >= m.lay.pagesKeptFree
		m.mu.Unlock()
		if enough {
			break
		}

		t.Yield()

		if m.collect(true) == 0 && !m.pendingErases() {
			break
		}
	}

	m.mu.Lock()
	m.collecting = false
	m.logf("nvram: collector finished, %d pages free", m.pagesAvailable)
	m.mu.Unlock()
}

func (m *Manager) pendingErases() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocksToErase
}

// collect runs one round of collection policies. Non-destructive (level 0)
// policies are each drained in every round; in destructive rounds the
// destructive ones then run once each, lowest level first, stopping above the
// first level that freed anything.
func (m *Manager) collect(destructive bool) int {
	m.mu.Lock()
	collectors := append([]pageCollector(nil), m.collectors...)
	m.mu.Unlock()

	freed := 0
	doneLevel := -1
	for _, c := range collectors {
		if c.level == 0 {
			for {
				n := c.fn(m, c.id)
				freed += n
				if n == 0 {
					break
				}
			}
			continue
		}
		if !destructive {
			continue
		}
		if doneLevel >= 0 && c.level > doneLevel {
			break
		}
		if n := c.fn(m, c.id); n > 0 {
			freed += n
			if doneLevel < 0 {
				doneLevel = c.level
			}
		}
	}
	return freed
}

// eraseBlocks erases every block currently marked erasable. One sweep only:
// blocks marked while the sweep runs are picked up by the next one.
func (m *Manager) eraseBlocks(t *sched.Task) {
	m.mu.Lock()
	m.blocksToErase = false
	start, end := m.start, m.end
	m.mu.Unlock()

	for b := start; b < end; b += m.lay.blockSize {
		m.mu.Lock()
		erasable := m.blockState(b) == BlockErasable
		var gen uint32
		if erasable {
			gen = m.eraseGeneration(b)
		}
		m.mu.Unlock()
		if !erasable {
			continue
		}

		for !m.dev.EraseBlockAsync(t, b) {
			m.logf("nvram: erase of block at %#x interrupted, retrying", b)
		}

		m.mu.Lock()
		switch {
		case !m.blockEmptyFrom(b, b):
			// Stuck cells survived the erase. Leave the block marked so the
			// next boot can have another go, but stop retrying now.
			m.logf("nvram: block at %#x did not erase clean", b)
			m.dev.ShredWord(b)

		case gen == 0:
			// Unknown history; the block stays empty until someone formats it.
			m.pagesAvailable += int(m.lay.pagesPerBlock)

		case m.formatBlock(b, gen+1):
			if b < m.first {
				m.first = b
			}
			m.pagesAvailable += int(m.lay.pagesPerBlock)
		}
		m.mu.Unlock()
	}
}

// eraseGeneration recovers the erase counter of a block marked erasable: from
// the copy stashed in the block padding on double-write media, straight from
// the header otherwise. 0 means unknown.
func (m *Manager) eraseGeneration(b uint32) uint32 {
	var gen uint32
	if m.lay.writeAlign == 8 {
		if m.lay.blockPadding < 8 {
			return 0
		}
		pad := b + m.lay.blockSize - m.lay.blockPadding
		if m.word(pad) != Magic {
			return 0
		}
		gen = m.word(pad + 4)
	} else {
		gen = m.word(b + 4)
	}
	if gen == freeWord {
		return 0
	}
	return gen
}

// ErasePage retires a page. Its records disappear from searches immediately;
// the space comes back once the collector erases the block.
func (m *Manager) ErasePage(p *Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.erasePageLocked(p)
	m.runCollectorLocked()
}

func (m *Manager) erasePageLocked(p *Page) {
	m.shredHeader(p.off)
	b := p.off &^ (m.lay.blockSize - 1)
	if free, used, _ := m.checkPages(b); free == 0 && used == 0 {
		m.markEraseBlock(b)
	}
}

// EraseBlock schedules a whole block for erasure, dropping any pages on it.
func (m *Manager) EraseBlock(b Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markEraseBlock(b.off)
	m.runCollectorLocked()
}

// CollectorCleanup is a level-0 policy retiring pages that hold no live
// record anymore.
func CollectorCleanup(m *Manager, id nvstore.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []*Page
	for p := m.FirstPage(id); p != nil; p = p.Next() {
		if len(p.Records()) == 0 {
			dead = append(dead, p)
		}
	}
	for _, p := range dead {
		m.erasePageLocked(p)
	}
	return len(dead)
}

// CollectorRelocate is a level-0 policy compacting the oldest page of the ID.
// It fires when the page carries dead space and at most half of its payload
// is still live, so relocation frees more than it costs.
func CollectorRelocate(m *Manager, id nvstore.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.OldestPage(id)
	if p == nil {
		return 0
	}

	var live uint32
	for _, r := range p.Records() {
		if p.RecordSize() != 0 {
			live += r.Length()
		} else {
			live += m.lay.varSkipLen(r.Length())
		}
	}

	used := m.lay.pagePayload
	if f := p.findFree(); f != 0 {
		used = f - p.dataOff()
		if p.RecordSize() == 0 {
			// f points past the length word of the next free slot.
			used -= 4
		}
	}

	if used <= live || live > m.lay.pagePayload/2 {
		return 0
	}
	if _, ok := m.moveRecords(p); !ok {
		return 0
	}
	return 1
}

// CollectorDiscardOldest is a destructive policy dropping the oldest page of
// the ID, records and all. Register it at level 1 or above.
func CollectorDiscardOldest(m *Manager, id nvstore.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.OldestPage(id)
	if p == nil {
		return 0
	}
	m.erasePageLocked(p)
	m.notifyLocked(id)
	return 1
}
