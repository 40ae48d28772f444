package nvram

import (
	"encoding/binary"

	"github.com/norflash/nvstore"
)

// maxFixedRecordSize is the largest record size a page header can describe.
const maxFixedRecordSize = 0xFFFF

// AddFixed appends a record to the fixed-size store of the given ID. data
// starts with the record's first word and must be at least 4 bytes. The
// record occupies the page's record size; unwritten tail bytes read back as
// all ones.
func (m *Manager) AddFixed(id nvstore.ID, data []byte) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.addLocked(id, data, true, false)
	return r, err
}

// AddVar appends a record to the variable-size store of the given ID. data
// starts with the record's first word and must be at least 4 bytes.
func (m *Manager) AddVar(id nvstore.ID, data []byte) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.addLocked(id, data, false, false)
	return r, err
}

// AddFixedKeyed appends a fixed-size record with the given key as its first
// word, followed by data.
func (m *Manager) AddFixedKeyed(id, key nvstore.ID, data []byte) (Record, error) {
	return m.AddFixed(id, keyed(key, data))
}

// AddVarKeyed appends a variable-size record with the given key as its first
// word, followed by data.
func (m *Manager) AddVarKeyed(id, key nvstore.ID, data []byte) (Record, error) {
	return m.AddVar(id, keyed(key, data))
}

// keyed prepends key as the record's first word.
func keyed(key nvstore.ID, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(key))
	copy(buf[4:], data)
	return buf
}

func (m *Manager) addLocked(id nvstore.ID, data []byte, fixed, noNotify bool) (Record, error) {
	if len(data) < 4 {
		return Record{}, nvstore.ErrInvalidArgument.WithMessage(
			"a record must contain at least its first word")
	}
	first := le.Uint32(data)
	if first == 0 || first == freeWord {
		return Record{}, nvstore.ErrInvalidArgument.WithMessage(
			"the record's first word must not be 0 or all ones")
	}

	var recordSize uint32
	if fixed {
		recordSize = m.lay.requiredAligned(uint32(len(data)))
		if recordSize > maxFixedRecordSize || recordSize > m.lay.pagePayload {
			return Record{}, nvstore.ErrInvalidArgument.WithMessage(
				"record too large for the page geometry")
		}
	} else if m.lay.varSkipLen(uint32(len(data))) > m.lay.pagePayload {
		return Record{}, nvstore.ErrInvalidArgument.WithMessage(
			"record too large for the page geometry")
	}

	if p := m.NewestPage(id); p != nil && pageTakes(p, fixed, recordSize) {
		if r := p.writeRecord(data); r.IsValid() {
			if !noNotify {
				m.notifyLocked(id)
			}
			return r, nil
		}
	}

	p := m.newPageLocked(id, recordSize)
	if p == nil {
		return Record{}, nvstore.ErrNoSpaceOnDevice.WithMessage(
			"no page available; retry once collection has run")
	}
	r := p.writeRecord(data)
	if !r.IsValid() {
		// A fresh page refusing the record means broken cells underneath.
		return Record{}, nvstore.ErrIOFailed.WithMessage(
			"record would not program on a fresh page")
	}
	if !noNotify {
		m.notifyLocked(id)
	}
	return r, nil
}

// pageTakes reports whether new records of the given shape may be appended to
// the page.
func pageTakes(p *Page, fixed bool, recordSize uint32) bool {
	if fixed {
		return p.RecordSize() != 0 && uint32(p.RecordSize()) >= recordSize
	}
	return p.RecordSize() == 0
}

// ReplaceFixed replaces the fixed-size record whose key is the first word of
// data. The new record is written before the old ones are shredded, so a
// reset in between leaves duplicates, never a gap; duplicates are cleaned up
// by the next Replace. Writing data identical to the stored record is a
// no-op.
func (m *Manager) ReplaceFixed(id nvstore.ID, data []byte) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceLocked(id, data, true)
}

// ReplaceVar is ReplaceFixed for the variable-size store.
func (m *Manager) ReplaceVar(id nvstore.ID, data []byte) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceLocked(id, data, false)
}

// ReplaceFixedKeyed replaces the fixed-size record with the given key; data
// follows the key word.
func (m *Manager) ReplaceFixedKeyed(id, key nvstore.ID, data []byte) (Record, error) {
	return m.ReplaceFixed(id, keyed(key, data))
}

// ReplaceVarKeyed replaces the variable-size record with the given key; data
// follows the key word.
func (m *Manager) ReplaceVarKeyed(id, key nvstore.ID, data []byte) (Record, error) {
	return m.ReplaceVar(id, keyed(key, data))
}

func (m *Manager) replaceLocked(id nvstore.ID, data []byte, fixed bool) (Record, error) {
	if len(data) < 4 {
		return Record{}, nvstore.ErrInvalidArgument.WithMessage(
			"a record must contain at least its first word")
	}
	key := le.Uint32(data)

	// Keep only the newest match; stale duplicates from an interrupted
	// replace or relocation are shredded on sight.
	var old Record
	for r := m.FindUnorderedFirst(id, key); r.IsValid(); r = m.FindUnorderedNext(r, key) {
		if !old.IsValid() {
			old = r
			continue
		}
		if m.CompareAge(old, r) < 0 {
			m.shredRecord(old)
			old = r
		} else {
			m.shredRecord(r)
		}
	}

	if old.IsValid() && recordEqual(old, data, fixed) {
		return old, nil
	}

	r, err := m.addLocked(id, data, fixed, true)
	if err != nil {
		return Record{}, err
	}
	if old.IsValid() {
		m.shredRecord(old)
	}
	m.notifyLocked(id)
	return r, nil
}

// recordEqual reports whether the stored record already holds data. Fixed
// records may be longer than data; the tail then has to be still erased.
func recordEqual(r Record, data []byte, fixed bool) bool {
	stored := r.Bytes()
	if fixed {
		if len(stored) < len(data) {
			return false
		}
	} else if len(stored) != len(data) {
		return false
	}
	for i, b := range data {
		if stored[i] != b {
			return false
		}
	}
	for _, b := range stored[len(data):] {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// Delete shreds every record with the given key and returns how many were
// removed.
func (m *Manager) Delete(id, key nvstore.ID) (int, error) {
	if key == 0 || uint32(key) == freeWord {
		return 0, nvstore.ErrInvalidArgument.WithMessage(
			"the record key must not be 0 or all ones")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for r := m.FindUnorderedFirst(id, uint32(key)); r.IsValid(); r = m.FindUnorderedNext(r, uint32(key)) {
		m.shredRecord(r)
		deleted++
	}
	if deleted > 0 {
		m.notifyLocked(id)
	}
	return deleted, nil
}

// EraseAll retires every page with the given ID and returns how many pages
// were dropped. The space comes back once the collector has erased the
// underlying blocks.
func (m *Manager) EraseAll(id nvstore.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pages []*Page
	for p := m.FirstPage(id); p != nil; p = p.Next() {
		pages = append(pages, p)
	}
	for _, p := range pages {
		m.erasePageLocked(p)
	}
	if len(pages) > 0 {
		m.runCollectorLocked()
	}
	return len(pages)
}

// moveRecords relocates every live record of the page to newer pages and
// retires the page. A dry run over the free capacity comes first, so an
// impossible relocation changes nothing. Returns how many records moved and
// whether the page was retired.
func (m *Manager) moveRecords(p *Page) (int, bool) {
	id := p.ID()
	fixed := p.RecordSize() != 0

	recs := p.Records()
	if len(recs) == 0 {
		m.erasePageLocked(p)
		return 0, true
	}

	// Dry run. Capacity is counted in bytes; for fixed stores each record
	// costs its slot.
	var headFree, pageCap uint32
	if fixed {
		pageCap = m.lay.pagePayload / uint32(p.RecordSize()) * uint32(p.RecordSize())
	} else {
		pageCap = m.lay.pagePayload
	}
	if np := m.NewestPage(id); np != nil && np.off != p.off && pageTakes(np, fixed, uint32(p.RecordSize())) {
		if f := np.findFree(); f != 0 {
			headFree = np.dataEnd() - f
		}
	}
	avail := m.pagesAvailable
	for _, r := range recs {
		need := uint32(p.RecordSize())
		if !fixed {
			need = m.lay.varSkipLen(r.length)
		}
		if headFree >= need {
			headFree -= need
			continue
		}
		if avail == 0 {
			m.logf("nvram: not enough space to relocate page %v-%d", id, p.Sequence())
			return 0, false
		}
		avail--
		headFree = pageCap - need
	}

	// Never write into the page being retired.
	var pageRecordSize uint32
	if fixed {
		pageRecordSize = uint32(p.RecordSize())
	}
	target := m.NewestPage(id)
	if target != nil && (target.off == p.off || !pageTakes(target, fixed, pageRecordSize)) {
		target = nil
	}

	moved := 0
	for _, r := range recs {
		for {
			if target == nil {
				if target = m.newPageLocked(id, pageRecordSize); target == nil {
					m.logf("nvram: relocation of page %v-%d stopped", id, p.Sequence())
					if moved > 0 {
						m.notifyLocked(id)
					}
					return moved, false
				}
			}
			if target.writeRecord(r.Bytes()).IsValid() {
				break
			}
			target = nil
		}
		// A reset between the write and this shred leaves a duplicate; the
		// next replace cleans it up. Never a gap.
		m.shredRecord(r)
		moved++
	}

	m.erasePageLocked(p)
	m.notifyLocked(id)
	return moved, true
}
