package nvram

import (
	"encoding/binary"

	"github.com/norflash/nvstore/sched"
)

var le = binary.LittleEndian

// Magic is the first word of every formatted block, "NVRM" in a hex dump.
const Magic uint32 = 0x4D52564E

// freeWord is the value of unwritten flash.
const freeWord = ^uint32(0)

const (
	blockHeaderLen = 8
	pageHeaderLen  = 8
)

// DefaultPagesKeptFree is the low-water mark of free pages below which the
// collector starts running destructive collection policies.
const DefaultPagesKeptFree = 4

// Config carries the compile-time constants of the original layout as
// zero-value-friendly options.
type Config struct {
	// Scheduler runs the collector and erase tasks. Required.
	Scheduler *sched.Scheduler

	// PagesPerBlock defaults to BlockSize/1024.
	PagesPerBlock int

	// PagesKeptFree defaults to DefaultPagesKeptFree.
	PagesKeptFree int

	// DoubleWrite selects the two-word atomic write granularity (alignment 8)
	// instead of single words (alignment 4).
	DoubleWrite bool

	// ReservedStart and ReservedEnd exclude byte ranges at either end of the
	// device from the managed area.
	ReservedStart uint32
	ReservedEnd   uint32

	// Logf, when set, receives diagnostic messages.
	Logf func(format string, args ...interface{})
}

// layout is the geometry derived from the device block size and the Config.
type layout struct {
	blockSize     uint32
	pagesPerBlock uint32
	writeAlign    uint32
	pageSize      uint32
	pagePayload   uint32
	blockPadding  uint32
	pagesKeptFree int
}

func computeLayout(blockSize uint32, cfg Config) layout {
	lay := layout{
		blockSize:     blockSize,
		writeAlign:    4,
		pagesKeptFree: cfg.PagesKeptFree,
	}
	if cfg.DoubleWrite {
		lay.writeAlign = 8
	}
	if cfg.PagesPerBlock > 0 {
		lay.pagesPerBlock = uint32(cfg.PagesPerBlock)
	} else {
		lay.pagesPerBlock = blockSize / 1024
	}
	if lay.pagesPerBlock == 0 {
		lay.pagesPerBlock = 1
	}
	if lay.pagesKeptFree == 0 {
		lay.pagesKeptFree = DefaultPagesKeptFree
	}

	lay.pageSize = (blockSize - blockHeaderLen) / lay.pagesPerBlock &^ (lay.writeAlign - 1)
	lay.pagePayload = lay.pageSize - pageHeaderLen
	lay.blockPadding = blockSize - blockHeaderLen - lay.pagesPerBlock*lay.pageSize
	return lay
}

// requiredAligned rounds size up to the write alignment.
func (l layout) requiredAligned(size uint32) uint32 {
	return (size + l.writeAlign - 1) &^ (l.writeAlign - 1)
}

// varSkipLen is the distance from the start of a variable record to the start
// of the next one: the record body rounded to the write alignment together
// with the 4-byte length word that precedes the next record.
func (l layout) varSkipLen(length uint32) uint32 {
	return l.requiredAligned(length + 4)
}

// seqLess compares 16-bit page sequence numbers with wraparound semantics.
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}
