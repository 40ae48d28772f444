package nvram

// BlockState classifies a block by its header.
type BlockState int

const (
	// BlockEmpty: fully erased, ready to be formatted.
	BlockEmpty BlockState = iota
	// BlockValid: formatted, magic and generation in place.
	BlockValid
	// BlockErasable: scheduled for reclamation, magic shredded to zero.
	BlockErasable
	// BlockHalfInitialized: magic written but the generation write was
	// interrupted.
	BlockHalfInitialized
	// BlockCorrupted: anything else, e.g. an interrupted erase.
	BlockCorrupted
)

// Block is a handle to one erasable unit of the managed area.
type Block struct {
	m   *Manager
	off uint32
}

// Offset returns the block's byte offset in the device memory.
func (b Block) Offset() uint32 {
	return b.off
}

// Generation returns the block's erase counter.
func (b Block) Generation() uint32 {
	return b.m.word(b.off + 4)
}

// State derives the block state from its header.
func (b Block) State() BlockState {
	return b.m.blockState(b.off)
}

// IsValid reports whether the block is formatted and usable for pages.
func (b Block) IsValid() bool {
	return b.m.blockValid(b.off)
}

// IsEmpty reports whether every bit of the block is still erased.
func (b Block) IsEmpty() bool {
	return b.m.blockEmptyFrom(b.off, b.off)
}

// Pages returns handles to all page slots of the block, regardless of state.
func (b Block) Pages() []Page {
	pages := make([]Page, b.m.lay.pagesPerBlock)
	for i := range pages {
		pages[i] = Page{m: b.m, off: b.off + blockHeaderLen + uint32(i)*b.m.lay.pageSize}
	}
	return pages
}

func (m *Manager) blockState(b uint32) BlockState {
	magic := m.word(b)
	gen := m.word(b + 4)
	switch {
	case magic == Magic && gen != freeWord:
		return BlockValid
	case magic == Magic:
		return BlockHalfInitialized
	case magic == 0:
		return BlockErasable
	case magic == freeWord && gen == freeWord:
		return BlockEmpty
	default:
		return BlockCorrupted
	}
}

func (m *Manager) blockValid(b uint32) bool {
	return m.word(b) == Magic && m.word(b+4) != freeWord
}

// blockEmptyFrom checks that every word from `from` to the end of block b is
// still erased.
func (m *Manager) blockEmptyFrom(b, from uint32) bool {
	mem := m.dev.Mem()
	end := b + m.lay.blockSize
	for off := from; off < end; off += 4 {
		if le.Uint32(mem[off:]) != freeWord {
			return false
		}
	}
	return true
}

// formatBlock writes the block header, magic first. A failed header write
// shreds both words so the block is never mistaken for a formatted one.
func (m *Manager) formatBlock(b, gen uint32) bool {
	if m.dev.WriteWord(b, Magic) && m.dev.WriteWord(b+4, gen) {
		m.logf("nvram: formatted block gen %d at %#x", gen, b)
		return true
	}

	m.dev.ShredWord(b + 4)
	m.dev.ShredWord(b)
	m.logf("nvram: failed to format block gen %d at %#x", gen, b)
	return false
}

// checkPages counts the pages of block b by state.
func (m *Manager) checkPages(b uint32) (free, used, erasable int) {
	for i := uint32(0); i < m.lay.pagesPerBlock; i++ {
		switch id := m.word(b + blockHeaderLen + i*m.lay.pageSize); id {
		case freeWord:
			free++
		case 0:
			erasable++
		default:
			used++
		}
	}
	return free, used, erasable
}

// markEraseBlock schedules block b for asynchronous erasure. On double-write
// media with tail padding, the header is first copied into the padding so the
// generation counter survives the erase.
func (m *Manager) markEraseBlock(b uint32) {
	if m.lay.writeAlign == 8 {
		if m.lay.blockPadding >= 8 {
			pad := b + m.lay.blockSize - m.lay.blockPadding
			m.dev.WriteDouble(pad, m.word(b), m.word(b+4))
		} else {
			m.logf("nvram: losing generation of block at %#x, no padding to preserve it", b)
		}
		m.dev.ShredDouble(b)
	} else {
		m.dev.ShredWord(b)
	}
	m.blocksToErase = true
}
