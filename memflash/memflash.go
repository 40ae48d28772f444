// Package memflash provides an in-memory simulation of NOR-like flash for
// tests and host tooling.
//
// The simulation honors the one-way programming model: writes can only clear
// bits, and only a whole-block erase sets them back. Fault injection covers
// the failure modes the engine is designed to survive: transient write
// failures that leave a slot partially programmed, words whose cells are
// permanently stuck, and interrupted block erases.
package memflash

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/boljen/go-bitmap"

	"github.com/norflash/nvstore"
	"github.com/norflash/nvstore/sched"
)

// DefaultEraseTicks is how long a simulated block erase takes on the virtual
// clock unless overridden with SetEraseTicks.
const DefaultEraseTicks = 8

var le = binary.LittleEndian

// Flash is a simulated flash device. It implements nvstore.Device.
type Flash struct {
	mem        []byte
	blockSize  uint32
	eraseTicks uint64

	// Fault injection state.
	failIn          int // 1 = next write op fails, n>1 counts down
	stuckWords      bitmap.Bitmap
	interruptErases int

	writeOps int
	eraseOps int
}

// New creates a fully erased flash of the given size. Both size and blockSize
// must be powers of two, size a multiple of blockSize.
func New(size, blockSize uint32) *Flash {
	if size == 0 || blockSize == 0 || size%blockSize != 0 {
		panic(fmt.Sprintf(
			"invalid flash geometry: size %d, block size %d", size, blockSize))
	}

	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &Flash{
		mem:        mem,
		blockSize:  blockSize,
		eraseTicks: DefaultEraseTicks,
		stuckWords: bitmap.NewSlice(int(size / 4)),
	}
}

// FromBytes wraps an existing flash image. The slice is used directly, not
// copied, so changes made through the device are visible to the caller. The
// image length must be a multiple of blockSize.
func FromBytes(data []byte, blockSize uint32) (*Flash, error) {
	if blockSize == 0 || uint32(len(data))%blockSize != 0 {
		return nil, nvstore.ErrInvalidImage.WithMessage(fmt.Sprintf(
			"image of %d bytes is not a multiple of the %d byte block size",
			len(data), blockSize))
	}
	return &Flash{
		mem:        data,
		blockSize:  blockSize,
		eraseTicks: DefaultEraseTicks,
		stuckWords: bitmap.NewSlice(len(data) / 4),
	}, nil
}

// Load reads a complete flash image from r.
func Load(r io.Reader, blockSize uint32) (*Flash, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nvstore.ErrIOFailed.Wrap(err)
	}
	return FromBytes(data, blockSize)
}

// Save writes the complete flash image to w.
func (f *Flash) Save(w io.Writer) error {
	if _, err := w.Write(f.mem); err != nil {
		return nvstore.ErrIOFailed.Wrap(err)
	}
	return nil
}

// SetEraseTicks changes how many virtual ticks a block erase takes.
func (f *Flash) SetEraseTicks(ticks uint64) {
	f.eraseTicks = ticks
}

// FailWriteAfter arranges for the write operation n ops from now to fail,
// leaving the target partially programmed. n == 0 fails the very next write.
func (f *Flash) FailWriteAfter(n int) {
	f.failIn = n + 1
}

// StickWord marks the word at off as permanently stuck: writes to it leave
// the memory unchanged and erases do not restore it.
func (f *Flash) StickWord(off uint32) {
	f.stuckWords.Set(int(off/4), true)
}

// InterruptNextErases makes the next n asynchronous erases report an
// interruption after erasing the block contents partially.
func (f *Flash) InterruptNextErases(n int) {
	f.interruptErases = n
}

// WriteOps returns the number of write operations performed so far, counting
// failed attempts. Shreds are not counted: they are repair actions.
func (f *Flash) WriteOps() int {
	return f.writeOps
}

// EraseOps returns the number of completed block erases.
func (f *Flash) EraseOps() int {
	return f.eraseOps
}

// Mem implements nvstore.Device.
func (f *Flash) Mem() []byte {
	return f.mem
}

// BlockSize implements nvstore.Device.
func (f *Flash) BlockSize() uint32 {
	return f.blockSize
}

// failNow consumes one tick of the transient failure counter.
func (f *Flash) failNow() bool {
	if f.failIn == 0 {
		return false
	}
	f.failIn--
	return f.failIn == 0
}

// and programs data into [off, off+len) honoring stuck words.
func (f *Flash) and(off uint32, data []byte) {
	for i, b := range data {
		pos := off + uint32(i)
		if f.stuckWords.Get(int(pos / 4)) {
			continue
		}
		f.mem[pos] &= b
	}
}

// Write implements nvstore.Device.
func (f *Flash) Write(off uint32, data []byte) bool {
	f.writeOps++
	if f.failNow() {
		// Power was lost partway: only a prefix reaches the medium.
		f.and(off, data[:len(data)/2])
		return false
	}

	f.and(off, data)
	for i, b := range data {
		if f.mem[off+uint32(i)] != b {
			return false
		}
	}
	return true
}

// WriteWord implements nvstore.Device.
func (f *Flash) WriteWord(off uint32, word uint32) bool {
	var b [4]byte
	le.PutUint32(b[:], word)
	return f.Write(off, b[:])
}

// ShredWord implements nvstore.Device.
func (f *Flash) ShredWord(off uint32) {
	f.and(off, []byte{0, 0, 0, 0})
}

// WriteDouble implements nvstore.Device.
func (f *Flash) WriteDouble(off uint32, lo, hi uint32) bool {
	if off%8 != 0 {
		panic(fmt.Sprintf("unaligned double write at %#x", off))
	}
	f.writeOps++
	if f.failNow() {
		// A double write is atomic at the device level: an interrupted one
		// programs nothing.
		return false
	}

	var b [8]byte
	le.PutUint32(b[:4], lo)
	le.PutUint32(b[4:], hi)
	f.and(off, b[:])
	for i, v := range b {
		if f.mem[off+uint32(i)] != v {
			return false
		}
	}
	return true
}

// ShredDouble implements nvstore.Device.
func (f *Flash) ShredDouble(off uint32) {
	if off%8 != 0 {
		panic(fmt.Sprintf("unaligned double shred at %#x", off))
	}
	f.and(off, []byte{0, 0, 0, 0, 0, 0, 0, 0})
}

// eraseRange restores [off, off+length) to all ones except stuck words.
func (f *Flash) eraseRange(off, length uint32) {
	for pos := off; pos < off+length; pos++ {
		if f.stuckWords.Get(int(pos / 4)) {
			continue
		}
		f.mem[pos] = 0xFF
	}
}

// Erase implements nvstore.Device.
func (f *Flash) Erase(off, length uint32) bool {
	if off%f.blockSize != 0 || length%f.blockSize != 0 {
		panic(fmt.Sprintf(
			"erase range %#x+%#x not block aligned (block size %#x)",
			off, length, f.blockSize))
	}
	f.eraseRange(off, length)
	f.eraseOps += int(length / f.blockSize)
	return true
}

// EraseBlockAsync implements nvstore.Device. The calling task is suspended
// for the configured erase duration.
func (f *Flash) EraseBlockAsync(t *sched.Task, off uint32) bool {
	off &^= f.blockSize - 1

	if f.interruptErases > 0 {
		f.interruptErases--
		// The erase got underway before the interruption: the block may be
		// left in a half-erased state.
		f.eraseRange(off, f.blockSize/2)
		t.Sleep(f.eraseTicks / 2)
		return false
	}

	t.Sleep(f.eraseTicks)
	f.eraseRange(off, f.blockSize)
	f.eraseOps++
	return true
}
