package nvstore

// InitFlags adjust engine initialization behavior.
type InitFlags uint

const (
	// InitReset erases the whole managed area before scanning it.
	InitReset InitFlags = 1 << iota

	// InitIgnoreCorrupted leaves corrupted blocks untouched instead of
	// scheduling them for erasure. Useful for data migration.
	InitIgnoreCorrupted
)

// Has reports whether all bits of flag are set.
func (f InitFlags) Has(flag InitFlags) bool {
	return f&flag == flag
}
