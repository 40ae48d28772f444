package nvram

// Record is a handle to one record. The zero Record means "no record"; check
// IsValid before using the accessors.
type Record struct {
	m      *Manager
	off    uint32 // offset of the record's first word, 0 when invalid
	length uint32 // record length in bytes, including the first word
}

// IsValid reports whether the handle refers to a record.
func (r Record) IsValid() bool {
	return r.off != 0
}

// Offset returns the byte offset of the record's first word.
func (r Record) Offset() uint32 {
	return r.off
}

// Length returns the record length in bytes, including the first word. For
// records on fixed-size pages this is the page's record size regardless of
// how many bytes were actually written.
func (r Record) Length() uint32 {
	return r.length
}

// Word returns the record's first word, the key.
func (r Record) Word() uint32 {
	return r.m.word(r.off)
}

// Bytes returns the record contents including the first word. The slice
// aliases the device memory and must not be modified.
func (r Record) Bytes() []byte {
	return r.m.dev.Mem()[r.off : r.off+r.length]
}

// Data returns the record contents after the first word.
func (r Record) Data() []byte {
	return r.Bytes()[4:]
}

// Page returns the page holding the record.
func (r Record) Page() *Page {
	return r.m.pageFromOff(r.off)
}

// spanFree reports whether every word in [from, to) is still erased.
func (m *Manager) spanFree(from, to uint32) bool {
	mem := m.dev.Mem()
	for off := from; off < to; off += 4 {
		if le.Uint32(mem[off:]) != freeWord {
			return false
		}
	}
	return true
}

// shredDoubles zeroes the doubles of [from, to) back to front, so that an
// interruption leaves the leading length word free and the debris detectable.
func (m *Manager) shredDoubles(from, to uint32) {
	for off := to - 8; off >= from && off < to; off -= 8 {
		m.dev.ShredDouble(off)
	}
}

// writeRecord appends a record to the page. data starts with the record's
// first word and must fit the page's record size (or the page payload for
// variable-size pages). Returns an invalid Record when the page has no usable
// space left.
//
// The first word is always committed last so that a reset at any point leaves
// either a complete record or a slot the initializer and the search walkers
// skip.
func (p *Page) writeRecord(data []byte) Record {
	if p.m.lay.writeAlign == 8 {
		return p.writeRecordDouble(data)
	}
	return p.writeRecordSingle(data)
}

func (p *Page) writeRecordSingle(data []byte) Record {
	m := p.m
	first := le.Uint32(data)
	recordSize := uint32(p.RecordSize())
	totalLen := uint32(len(data))

	for {
		rec := p.findFree()
		if rec == 0 {
			return Record{}
		}

		if recordSize != 0 {
			if m.dev.Write(rec+4, data[4:]) && m.dev.WriteWord(rec, first) {
				return Record{m: m, off: rec, length: recordSize}
			}
			m.logf("nvram: record write failed at %#x", rec)
			m.dev.ShredWord(rec)
			continue
		}

		if rec+totalLen > p.dataEnd() {
			return Record{}
		}

		if !m.dev.WriteWord(rec-4, totalLen) {
			m.logf("nvram: record length write failed at %#x", rec-4)
			m.dev.ShredWord(rec - 4)
			continue
		}
		if m.dev.Write(rec+4, data[4:]) && m.dev.WriteWord(rec, first) {
			return Record{m: m, off: rec, length: totalLen}
		}
		m.logf("nvram: record write failed at %#x", rec)
		m.dev.ShredWord(rec)
	}
}

func (p *Page) writeRecordDouble(data []byte) Record {
	m := p.m
	first := le.Uint32(data)
	recordSize := uint32(p.RecordSize())
	totalLen := uint32(len(data))

	if recordSize != 0 {
		for {
			rec := p.findFree()
			if rec == 0 {
				return Record{}
			}

			if !m.spanFree(rec, rec+recordSize) {
				// Debris from an interrupted write; retire the slot.
				m.logf("nvram: shredding record debris at %#x", rec)
				m.dev.ShredDouble(rec)
				continue
			}

			second := freeWord
			if len(data) >= 8 {
				second = le.Uint32(data[4:])
			}
			ok := true
			if len(data) > 8 {
				ok = m.dev.Write(rec+8, data[8:])
			}
			if ok && m.dev.WriteDouble(rec, first, second) {
				return Record{m: m, off: rec, length: recordSize}
			}
			m.logf("nvram: record write failed at %#x", rec)
			m.dev.ShredDouble(rec)
		}
	}

	for {
		rec := p.findFree()
		if rec == 0 {
			return Record{}
		}
		if rec+totalLen > p.dataEnd() {
			return Record{}
		}
		skip := m.lay.varSkipLen(totalLen)

		// The span we are about to use, and the length word after it, must be
		// blank. Anything else is debris from an interrupted write; clear it
		// out and allocate past it.
		check := rec - 4 + skip + 8
		if check > p.dataEnd() {
			check = p.dataEnd()
		}
		if !m.spanFree(rec, check) {
			dirtyEnd := p.dataEnd()
			for dirtyEnd > rec && m.word(dirtyEnd-4) == freeWord {
				dirtyEnd -= 4
			}
			dirtyEnd = m.lay.requiredAligned(dirtyEnd)
			m.logf("nvram: shredding record debris at %#x - %#x", rec, dirtyEnd)
			m.shredDoubles(rec-4, dirtyEnd)
			continue
		}

		ok := true
		if totalLen > 4 {
			ok = m.dev.Write(rec+4, data[4:])
		}
		if ok && m.dev.WriteDouble(rec-4, totalLen, first) {
			return Record{m: m, off: rec, length: totalLen}
		}
		m.logf("nvram: record write failed at %#x", rec)
		m.shredDoubles(rec-4, rec-4+skip)
	}
}

// shredRecord removes a record from search results. On single-write media
// zeroing the first word is enough: the walkers skip it and, on variable
// pages, the intact length word still tells them how far. On double-write
// media the whole record is zeroed back to front, because the length word
// shares an atomic double with the first word.
func (m *Manager) shredRecord(r Record) {
	if m.lay.writeAlign != 8 {
		m.dev.ShredWord(r.off)
		return
	}
	if m.pageFromOff(r.off).RecordSize() != 0 {
		m.dev.ShredDouble(r.off)
		return
	}
	m.shredDoubles(r.off-4, r.off-4+m.lay.varSkipLen(r.length))
}
