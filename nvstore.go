// Package nvstore defines the contracts shared by the flash engine and its
// drivers: the byte-level flash device interface, the 32-bit identifier used
// to address page groups and record keys, and initialization flags.
//
// The actual storage engine lives in the nvram subpackage; simulated flash
// suitable for tests and host tooling lives in memflash.
package nvstore

import (
	"encoding/binary"

	"github.com/norflash/nvstore/sched"
)

// ID is a 32-bit identifier. It is used both as the identifier of a page
// group and as the key (first word) of keyed records. The values 0 and
// 0xFFFFFFFF are reserved: 0 marks shredded data and all-ones marks unwritten
// flash.
type ID uint32

// MakeID builds an ID from a short ASCII tag, at most four bytes, stored
// little-endian so the tag reads naturally in a hex dump.
func MakeID(tag string) ID {
	var b [4]byte
	copy(b[:], tag)
	return ID(binary.LittleEndian.Uint32(b[:]))
}

// String renders printable tags as text and anything else as hex.
func (id ID) String() string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(id))
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			const hex = "0123456789abcdef"
			out := make([]byte, 8)
			for i, c := range b {
				out[i*2] = hex[c>>4]
				out[i*2+1] = hex[c&0xf]
			}
			return string(out)
		}
	}
	return string(b[:])
}

// Device is the byte-level flash medium the engine runs on.
//
// Writes have NOR semantics: they can only clear bits (AND of the existing
// contents with the supplied pattern) and report success iff the memory ends
// up equal to the requested pattern. Erasing restores whole blocks to all
// ones and is the only way to set bits.
//
// All offsets are byte offsets into the device memory returned by Mem.
type Device interface {
	// Mem returns the device memory. Callers must treat the slice as
	// read-only; all mutation goes through the write methods below.
	Mem() []byte

	// BlockSize returns the size in bytes of one erasable block. It must be
	// a power of two.
	BlockSize() uint32

	// Write ANDs data into memory starting at off. Returns true iff the
	// resulting memory equals data.
	Write(off uint32, data []byte) bool

	// WriteWord ANDs a single 32-bit little-endian word at off.
	WriteWord(off uint32, word uint32) bool

	// ShredWord forces the word at off to zero. Shredding cannot fail: zero
	// is reachable from any cell state.
	ShredWord(off uint32)

	// WriteDouble atomically ANDs two consecutive words at off, which must be
	// 8-byte aligned. Either both words are written or neither is.
	WriteDouble(off uint32, lo, hi uint32) bool

	// ShredDouble forces the two words at off (8-byte aligned) to zero.
	ShredDouble(off uint32)

	// Erase synchronously resets [off, off+length) to all ones. The range
	// must cover whole blocks. Used only during reset/format.
	Erase(off, length uint32) bool

	// EraseBlockAsync erases the block containing off, suspending the
	// calling task while the erase is in progress. It returns false if the
	// operation was interrupted and should be retried.
	EraseBlockAsync(t *sched.Task, off uint32) bool
}
