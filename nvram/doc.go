// Package nvram implements a log-structured record store for NOR-flash-like
// media.
//
// The managed area is divided into erasable blocks, each carrying a small
// header (magic value and erase-generation counter) followed by a fixed
// number of pages. A page is tagged with a caller-supplied 32-bit ID and a
// 16-bit sequence number and stores append-only records, either fixed-size or
// variable-size. Records are addressed by their first 32-bit word, which
// doubles as an application-chosen key.
//
// All mutation is expressed as one-way bit programming so that a power loss
// at any write boundary leaves the medium in a state the initializer can
// heal: a slot is either still blank, holds a complete record, or has a
// zeroed leading word and is skipped. Space is reclaimed asynchronously by a
// garbage collector driven by pluggable per-ID collection policies.
package nvram
