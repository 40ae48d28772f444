package nvram

import (
	"github.com/norflash/nvstore"
)

// Page is a handle to one page slot. Pages are obtained from allocation or
// enumeration and stay meaningful until the containing block is erased.
type Page struct {
	m   *Manager
	off uint32
}

// Offset returns the page's byte offset in the device memory.
func (p *Page) Offset() uint32 {
	return p.off
}

// ID returns the page's identifier.
func (p *Page) ID() nvstore.ID {
	return nvstore.ID(p.m.word(p.off))
}

// Sequence returns the page's 16-bit wrapping sequence number.
func (p *Page) Sequence() uint16 {
	return uint16(p.m.word(p.off + 4))
}

// RecordSize returns the fixed record size of the page, or 0 for the
// variable-size record layout.
func (p *Page) RecordSize() uint16 {
	return uint16(p.m.word(p.off+4) >> 16)
}

// IsValid reports whether the page holds live data.
func (p *Page) IsValid() bool {
	id := p.m.word(p.off)
	return id != freeWord && id != 0
}

// Block returns the block containing the page.
func (p *Page) Block() Block {
	return Block{m: p.m, off: p.off &^ (p.m.lay.blockSize - 1)}
}

func (p *Page) dataOff() uint32 {
	return p.off + pageHeaderLen
}

func (p *Page) dataEnd() uint32 {
	return p.off + pageHeaderLen + p.m.lay.pagePayload
}

// pageEmpty reports whether every word of the page slot is still erased.
func (m *Manager) pageEmpty(p uint32) bool {
	mem := m.dev.Mem()
	for off := p; off < p+m.lay.pageSize; off += 4 {
		if le.Uint32(mem[off:]) != freeWord {
			return false
		}
	}
	return true
}

// pageFromOff maps any offset inside a page slot back to the page handle.
func (m *Manager) pageFromOff(off uint32) *Page {
	blk := off &^ (m.lay.blockSize - 1)
	idx := (off - blk - blockHeaderLen) / m.lay.pageSize
	return &Page{m: m, off: blk + blockHeaderLen + idx*m.lay.pageSize}
}

// FirstPage returns some page with the given ID, in no particular order, or
// nil if none exists.
func (m *Manager) FirstPage(id nvstore.ID) *Page {
	if m.first == m.end {
		return nil
	}
	return m.fastEnum(m.first, m.first+blockHeaderLen, id)
}

// Next continues the unordered enumeration started by FirstPage.
func (p *Page) Next() *Page {
	return p.m.fastEnum(p.off&^(p.m.lay.blockSize-1), p.off+p.m.lay.pageSize, p.ID())
}

// fastEnum scans for the next page with the wanted ID, starting at page
// offset `from` inside block `blk`. Free slots terminate the block scan early
// because pages within a block are allocated front to back.
func (m *Manager) fastEnum(blk, from uint32, id nvstore.ID) *Page {
	p := from
	for blk < m.end {
		if m.blockValid(blk) {
			end := blk + blockHeaderLen + m.lay.pagesPerBlock*m.lay.pageSize
			for ; p < end; p += m.lay.pageSize {
				pid := m.word(p)
				if pid == freeWord {
					break
				}
				if pid == uint32(id) {
					return &Page{m: m, off: p}
				}
			}
		}
		blk += m.lay.blockSize
		p = blk + blockHeaderLen
	}
	return nil
}

// pageLess orders two pages by age: sequence number with wraparound, ties
// broken by address (lower address is older). Duplicate sequences only occur
// transiently after recovery.
func pageLess(aSeq uint16, aOff uint32, bSeq uint16, bOff uint32) bool {
	if aSeq != bSeq {
		return seqLess(aSeq, bSeq)
	}
	return aOff < bOff
}

// scanExtremes returns the oldest and newest page with the given ID, or nil
// if none exists.
func (m *Manager) scanExtremes(id nvstore.ID) (oldest, newest *Page) {
	p := m.FirstPage(id)
	oldest, newest = p, p
	if p == nil {
		return nil, nil
	}

	for p = p.Next(); p != nil; p = p.Next() {
		if pageLess(p.Sequence(), p.off, oldest.Sequence(), oldest.off) {
			oldest = p
		}
		if pageLess(newest.Sequence(), newest.off, p.Sequence(), p.off) {
			newest = p
		}
	}
	return oldest, newest
}

// scanNeighbors returns the closest older and newer page relative to the
// given page, or nil when no such page exists.
func (m *Manager) scanNeighbors(ref *Page) (older, newer *Page) {
	refSeq := ref.Sequence()
	for p := m.FirstPage(ref.ID()); p != nil; p = p.Next() {
		if p.off == ref.off {
			continue
		}
		seq := p.Sequence()
		if pageLess(seq, p.off, refSeq, ref.off) {
			if older == nil || pageLess(older.Sequence(), older.off, seq, p.off) {
				older = p
			}
		}
		if pageLess(refSeq, ref.off, seq, p.off) {
			if newer == nil || pageLess(seq, p.off, newer.Sequence(), newer.off) {
				newer = p
			}
		}
	}
	return older, newer
}

// NewestPage returns the newest page with the given ID, or nil.
func (m *Manager) NewestPage(id nvstore.ID) *Page {
	_, newest := m.scanExtremes(id)
	return newest
}

// OldestPage returns the oldest page with the given ID, or nil.
func (m *Manager) OldestPage(id nvstore.ID) *Page {
	oldest, _ := m.scanExtremes(id)
	return oldest
}

// NewestNext returns the next older page, walking from newest to oldest.
// When the sequence numbers have looped all the way around, the walk stops
// rather than returning the newest page again.
func (p *Page) NewestNext() *Page {
	older, _ := p.m.scanNeighbors(p)
	if older == nil {
		return nil
	}
	if _, newest := p.m.scanExtremes(p.ID()); newest != nil && newest.off == older.off {
		return nil
	}
	return older
}

// OldestNext returns the next newer page, walking from oldest to newest; the
// dual of NewestNext.
func (p *Page) OldestNext() *Page {
	_, newer := p.m.scanNeighbors(p)
	if newer == nil {
		return nil
	}
	if oldest, _ := p.m.scanExtremes(p.ID()); oldest != nil && oldest.off == newer.off {
		return nil
	}
	return newer
}

// CompareAge orders two records: negative when r1 is older than r2. Records
// on different pages compare by page sequence; within a page, older records
// have lower addresses.
func (m *Manager) CompareAge(r1, r2 Record) int {
	p1 := m.pageFromOff(r1.off)
	p2 := m.pageFromOff(r2.off)

	if p1.off != p2.off {
		return int(int16(p1.Sequence() - p2.Sequence()))
	}
	return int(int32(r1.off) - int32(r2.off))
}

// findFree returns the offset of the first free record slot on the page, or
// 0 if the page is full.
func (p *Page) findFree() uint32 {
	m := p.m
	end := p.dataEnd()

	if recordSize := uint32(p.RecordSize()); recordSize != 0 {
		for rec := p.dataOff(); rec+recordSize <= end; rec += recordSize {
			if m.word(rec) == freeWord {
				return rec
			}
		}
		return 0
	}

	for rec := p.dataOff() + 4; rec < end; {
		length := m.word(rec - 4)
		if length == freeWord {
			return rec
		}
		if length > m.lay.pagePayload {
			// Corrupted length; nothing beyond it can be trusted.
			return 0
		}
		rec += m.lay.varSkipLen(length)
	}
	return 0
}
