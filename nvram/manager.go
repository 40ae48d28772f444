package nvram

import (
	"sync"

	"github.com/norflash/nvstore"
	"github.com/norflash/nvstore/sched"
)

// Manager owns the managed flash area: the block array bounds, the free-page
// accounting, the collector and notifier registrations, and the background
// collection machinery.
type Manager struct {
	dev nvstore.Device
	sch *sched.Scheduler
	lay layout

	// mu serializes flash mutation. Suspendable operations never hold it
	// across a suspension point.
	mu sync.Mutex

	start uint32 // first block of the managed area
	end   uint32 // past the last block of the managed area
	first uint32 // lowest block containing any data; == end when none

	pagesAvailable int
	collecting     bool
	blocksToErase  bool

	collectors []pageCollector
	notifiers  []pageNotifier

	logf func(format string, args ...interface{})
}

// New creates a manager for the given device. Initialize must be called
// before any other method.
func New(dev nvstore.Device, cfg Config) *Manager {
	m := &Manager{
		dev:  dev,
		sch:  cfg.Scheduler,
		lay:  computeLayout(dev.BlockSize(), cfg),
		logf: cfg.Logf,
	}
	if m.logf == nil {
		m.logf = func(string, ...interface{}) {}
	}

	size := uint32(len(dev.Mem()))
	bs := m.lay.blockSize
	m.start = (cfg.ReservedStart + bs - 1) &^ (bs - 1)
	m.end = (size - cfg.ReservedEnd) &^ (bs - 1)
	if m.start >= m.end {
		panic("nvram: reserved ranges leave no managed blocks")
	}
	m.first = m.end
	return m
}

// word reads the 32-bit little-endian word at off.
func (m *Manager) word(off uint32) uint32 {
	return le.Uint32(m.dev.Mem()[off:])
}

// shredHeader invalidates the one- or two-word discriminator at off using the
// configured write granularity.
func (m *Manager) shredHeader(off uint32) {
	if m.lay.writeAlign == 8 {
		m.dev.ShredDouble(off)
	} else {
		m.dev.ShredWord(off)
	}
}

// Initialize scans the managed area, heals damage left by an unexpected
// reset, and establishes the invariant that every block is empty, valid, or
// erasable. It returns false if corrupted blocks were encountered and
// tolerated because of InitIgnoreCorrupted.
//
// All registrations are discarded; register collectors and notifiers after
// initialization.
func (m *Manager) Initialize(flags nvstore.InitFlags) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.first = m.end
	m.pagesAvailable = 0
	m.collecting = false
	m.blocksToErase = false
	m.collectors = nil
	m.notifiers = nil
	corrupted := 0

	if flags.Has(nvstore.InitReset) {
		m.logf("nvram: erasing area %#x - %#x", m.start, m.end)
		m.dev.Erase(m.start, m.end-m.start)
	}

	for b := m.end - m.lay.blockSize; b >= m.start && b < m.end; b -= m.lay.blockSize {
		magic := m.word(b)
		gen := m.word(b + 4)

		switch {
		case magic == Magic:
			m.first = b

			if gen == freeWord {
				// Half-initialized: the reset hit between the two header
				// writes. Heal it if the remainder is still blank.
				m.logf("nvram: half-initialized block at %#x", b)
				if m.blockEmptyFrom(b, b+8) && m.formatBlock(b, 1) {
					m.pagesAvailable += int(m.lay.pagesPerBlock)
					continue
				}
				m.logf("nvram: could not complete block initialization at %#x", b)
				m.markEraseBlock(b)
				continue
			}

			free, used, _ := m.checkPages(b)
			if free == 0 && used == 0 {
				// Only erasable pages left; reclaim the whole block.
				m.logf("nvram: block with only erasable pages at %#x", b)
				m.markEraseBlock(b)
			} else {
				m.pagesAvailable += free
			}

		case m.blockEmptyFrom(b, b):
			m.pagesAvailable += int(m.lay.pagesPerBlock)

		case magic == 0:
			// Already scheduled for erase before the reset.
			m.logf("nvram: block marked for erase found at %#x", b)
			m.blocksToErase = true

		case flags.Has(nvstore.InitIgnoreCorrupted):
			corrupted++

		default:
			// Most likely an interrupted erase; schedule another one.
			m.logf("nvram: corrupted block at %#x", b)
			if m.lay.writeAlign == 8 {
				m.dev.ShredDouble(b)
			} else {
				m.dev.ShredWord(b + 4)
				m.dev.ShredWord(b)
			}
			m.blocksToErase = true
		}
	}

	m.logf("nvram: init complete, %d pages free, %d corrupted blocks",
		m.pagesAvailable, corrupted)

	if corrupted > 0 {
		return false
	}

	if m.blocksToErase || m.pagesAvailable < m.lay.pagesKeptFree {
		m.runCollectorLocked()
	}
	return true
}

// PagesAvailable returns the number of pages currently free for allocation.
func (m *Manager) PagesAvailable() int {
	return m.pagesAvailable
}

// Collecting reports whether a collection pass is currently scheduled or
// running.
func (m *Manager) Collecting() bool {
	return m.collecting
}

// Blocks returns every block of the managed area, including empty and
// erasable ones.
func (m *Manager) Blocks() []Block {
	return m.blocksFrom(m.start)
}

// UsedBlocks returns the blocks from the first one holding any data to the
// end of the managed area.
func (m *Manager) UsedBlocks() []Block {
	return m.blocksFrom(m.first)
}

func (m *Manager) blocksFrom(start uint32) []Block {
	var blocks []Block
	for b := start; b < m.end; b += m.lay.blockSize {
		blocks = append(blocks, Block{m: m, off: b})
	}
	return blocks
}

// NewBlock formats the highest-addressed empty block and returns it, or nil
// if no empty block exists. Erased-but-unformatted space is preferred from
// the top so that low blocks fill up last.
func (m *Manager) NewBlock() *Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newBlockLocked()
}

func (m *Manager) newBlockLocked() *Block {
	// Only empty blocks are usable; erasing is far too slow to do here.
	for b := m.end - m.lay.blockSize; b >= m.start && b < m.end; b -= m.lay.blockSize {
		if m.blockEmptyFrom(b, b) && m.formatBlock(b, 1) {
			if m.first > b {
				m.first = b
			}
			return &Block{m: m, off: b}
		}
	}
	return nil
}

// NewPage allocates a page with the given ID. recordSize zero selects the
// variable-size record layout; otherwise every record occupies exactly
// recordSize bytes. Returns nil when no page can be allocated.
func (m *Manager) NewPage(id nvstore.ID, recordSize uint32) *Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newPageLocked(id, recordSize)
}

func (m *Manager) newPageLocked(id nvstore.ID, recordSize uint32) *Page {
	var (
		haveSeq bool
		maxSeq  uint16
		free    uint32 // candidate slot, 0 = none
	)

	// Find the successor sequence number and the first free slot in a single
	// pass over the used blocks.
	for b := m.first; b < m.end; b += m.lay.blockSize {
		if !m.blockValid(b) {
			continue
		}
		for i := uint32(0); i < m.lay.pagesPerBlock; i++ {
			p := b + blockHeaderLen + i*m.lay.pageSize
			pid := m.word(p)
			if pid == uint32(id) {
				seq := uint16(m.word(p + 4))
				if !haveSeq || !seqLess(seq, maxSeq) {
					haveSeq = true
					maxSeq = seq
				}
			} else if free == 0 && pid == freeWord && m.pageEmpty(p) {
				free = p
			}
		}
	}

	seq := uint16(1)
	if haveSeq {
		seq = maxSeq + 1
	}

	w1 := uint32(seq) | recordSize<<16
	for {
		if free == 0 {
			blk := m.newBlockLocked()
			if blk == nil {
				// Cannot allocate now. Make sure a collection pass is scheduled
				// so a retry has a chance to succeed.
				m.runCollectorLocked()
				return nil
			}
			free = blk.off + blockHeaderLen
		}

		var ok bool
		if m.lay.writeAlign == 8 {
			ok = m.dev.WriteDouble(free, uint32(id), w1)
		} else {
			ok = m.dev.WriteWord(free+4, w1) && m.dev.WriteWord(free, uint32(id))
		}
		if ok {
			m.logf("nvram: allocated page %v-%d (record size %d) at %#x",
				id, seq, recordSize, free)
			m.pagesAvailable--
			m.runCollectorLocked()
			return &Page{m: m, off: free}
		}

		// The slot would not take the header; shred it and move on.
		m.logf("nvram: failed to format page %v-%d at %#x", id, seq, free)
		m.shredHeader(free)
		free = m.nextFreeSlot(free)
	}
}

// nextFreeSlot finds the free slot after a failed one, first in the same
// block, then in any valid block at a higher address. Returns 0 when a fresh
// block is needed.
func (m *Manager) nextFreeSlot(failed uint32) uint32 {
	blk := failed &^ (m.lay.blockSize - 1)
	blkEnd := blk + blockHeaderLen + m.lay.pagesPerBlock*m.lay.pageSize

	for p := failed + m.lay.pageSize; p < blkEnd; p += m.lay.pageSize {
		if m.pageEmpty(p) {
			return p
		}
		if m.word(p) == freeWord {
			m.logf("nvram: marking corrupted page at %#x", p)
			m.shredHeader(p)
		}
	}

	for b := blk + m.lay.blockSize; b < m.end; b += m.lay.blockSize {
		if !m.blockValid(b) {
			continue
		}
		for i := uint32(0); i < m.lay.pagesPerBlock; i++ {
			p := b + blockHeaderLen + i*m.lay.pageSize
			if m.word(p) != freeWord {
				continue
			}
			if m.pageEmpty(p) {
				return p
			}
			m.logf("nvram: marking corrupted page at %#x", p)
			m.shredHeader(p)
		}
	}
	return 0
}
