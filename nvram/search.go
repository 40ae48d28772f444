package nvram

import "github.com/norflash/nvstore"

// firstRecordOff returns the offset of the first record slot of the page. On
// variable-size pages the first 4 bytes of the payload hold the length word
// of the first record.
func (p *Page) firstRecordOff() uint32 {
	if p.RecordSize() != 0 {
		return p.dataOff()
	}
	return p.dataOff() + 4
}

// nextOff returns the offset of the record slot following r on the page.
func (p *Page) nextOff(r Record) uint32 {
	if p.RecordSize() != 0 {
		return r.off + r.length
	}
	return r.off + p.m.lay.varSkipLen(r.length)
}

// findForward returns the first valid record at or after offset from, oldest
// first. Shredded records and half-written remains are skipped; a free slot
// ends the walk because records are appended in order.
func (p *Page) findForward(from, key uint32) Record {
	m := p.m
	end := p.dataEnd()

	if recordSize := uint32(p.RecordSize()); recordSize != 0 {
		for rec := from; rec+recordSize <= end; rec += recordSize {
			first := m.word(rec)
			if first == freeWord {
				break
			}
			if first == 0 {
				continue
			}
			if key == 0 || first == key {
				return Record{m: m, off: rec, length: recordSize}
			}
		}
		return Record{}
	}

	for rec := from; rec < end; {
		length := m.word(rec - 4)
		if length == freeWord || length > m.lay.pagePayload {
			break
		}
		if length != 0 {
			first := m.word(rec)
			if first != 0 && first != freeWord && (key == 0 || first == key) {
				return Record{m: m, off: rec, length: length}
			}
		}
		rec += m.lay.varSkipLen(length)
	}
	return Record{}
}

// findBackward returns the last valid record before offset `before`, i.e. the
// newest one. Variable-size pages have no back links, so this is a forward
// walk keeping the last match.
func (p *Page) findBackward(before, key uint32) Record {
	var last Record
	r := p.findForward(p.firstRecordOff(), key)
	for r.IsValid() && r.off < before {
		last = r
		r = p.findForward(p.nextOff(r), key)
	}
	return last
}

// Records returns the live records of the page, oldest first.
func (p *Page) Records() []Record {
	var recs []Record
	for r := p.findForward(p.firstRecordOff(), 0); r.IsValid(); r = p.findForward(p.nextOff(r), 0) {
		recs = append(recs, r)
	}
	return recs
}

// FindUnorderedFirst returns a record with the given key on any page with the
// given ID, in no particular order. key 0 matches every record.
func (m *Manager) FindUnorderedFirst(id nvstore.ID, key uint32) Record {
	for p := m.FirstPage(id); p != nil; p = p.Next() {
		if r := p.findForward(p.firstRecordOff(), key); r.IsValid() {
			return r
		}
	}
	return Record{}
}

// FindUnorderedNext continues the enumeration started by FindUnorderedFirst.
func (m *Manager) FindUnorderedNext(r Record, key uint32) Record {
	p := r.Page()
	if nr := p.findForward(p.nextOff(r), key); nr.IsValid() {
		return nr
	}
	for p = p.Next(); p != nil; p = p.Next() {
		if nr := p.findForward(p.firstRecordOff(), key); nr.IsValid() {
			return nr
		}
	}
	return Record{}
}

// FindNewestFirst returns the newest record with the given key, or an invalid
// Record. key 0 matches every record.
func (m *Manager) FindNewestFirst(id nvstore.ID, key uint32) Record {
	for p := m.NewestPage(id); p != nil; p = p.NewestNext() {
		if r := p.findBackward(p.dataEnd(), key); r.IsValid() {
			return r
		}
	}
	return Record{}
}

// FindNewestNext continues a newest-first enumeration with the next older
// record.
func (m *Manager) FindNewestNext(r Record, key uint32) Record {
	p := r.Page()
	if nr := p.findBackward(r.off, key); nr.IsValid() {
		return nr
	}
	for p = p.NewestNext(); p != nil; p = p.NewestNext() {
		if nr := p.findBackward(p.dataEnd(), key); nr.IsValid() {
			return nr
		}
	}
	return Record{}
}

// FindOldestFirst returns the oldest record with the given key, or an invalid
// Record. key 0 matches every record.
func (m *Manager) FindOldestFirst(id nvstore.ID, key uint32) Record {
	for p := m.OldestPage(id); p != nil; p = p.OldestNext() {
		if r := p.findForward(p.firstRecordOff(), key); r.IsValid() {
			return r
		}
	}
	return Record{}
}

// FindOldestNext continues an oldest-first enumeration with the next newer
// record.
func (m *Manager) FindOldestNext(r Record, key uint32) Record {
	p := r.Page()
	if nr := p.findForward(p.nextOff(r), key); nr.IsValid() {
		return nr
	}
	for p = p.OldestNext(); p != nil; p = p.OldestNext() {
		if nr := p.findForward(p.firstRecordOff(), key); nr.IsValid() {
			return nr
		}
	}
	return Record{}
}
