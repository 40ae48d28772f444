// Package storage provides typed views over the nvram record store: fixed
// stores hold values of one Go type serialized with encoding/binary, variable
// stores hold raw byte payloads, and the keyed variants address records by a
// 32-bit key. The UniqueKey flavors keep exactly one record per key.
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"

	"github.com/norflash/nvstore"
	"github.com/norflash/nvstore/nvram"
)

func marshal(v interface{}, size int) ([]byte, error) {
	buf := make([]byte, size)
	w := bytewriter.New(buf)
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		return nil, nvstore.ErrInvalidArgument.Wrap(err)
	}
	return buf, nil
}

func unmarshal(data []byte, v interface{}) error {
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, v); err != nil {
		return nvstore.ErrMediumCorrupted.Wrap(err)
	}
	return nil
}

// sizeOf is the wire size of T; it panics on types encoding/binary cannot
// serialize, which is a programming error, not a runtime condition.
func sizeOf[T any]() int {
	var v T
	size := binary.Size(&v)
	if size < 0 {
		panic(fmt.Sprintf("storage: %T has no fixed binary size", v))
	}
	return size
}

// Fixed is an append-only store of values of T under one ID. The serialized
// form of T doubles as the record, so its first 4 bytes must never be all
// zeros or all ones.
type Fixed[T any] struct {
	m    *nvram.Manager
	id   nvstore.ID
	size int
}

// NewFixed creates a fixed store of T under the given ID.
func NewFixed[T any](m *nvram.Manager, id nvstore.ID) *Fixed[T] {
	return &Fixed[T]{m: m, id: id, size: sizeOf[T]()}
}

// Add appends a value.
func (s *Fixed[T]) Add(v *T) error {
	data, err := marshal(v, s.size)
	if err != nil {
		return err
	}
	_, err = s.m.AddFixed(s.id, data)
	return err
}

// Newest returns the most recently added value.
func (s *Fixed[T]) Newest(v *T) error {
	r := s.m.FindNewestFirst(s.id, 0)
	if !r.IsValid() {
		return nvstore.ErrNotFound
	}
	return unmarshal(r.Bytes()[:s.size], v)
}

// Oldest returns the oldest surviving value.
func (s *Fixed[T]) Oldest(v *T) error {
	r := s.m.FindOldestFirst(s.id, 0)
	if !r.IsValid() {
		return nvstore.ErrNotFound
	}
	return unmarshal(r.Bytes()[:s.size], v)
}

// EachNewest calls fn for every value, newest first, until fn returns false.
func (s *Fixed[T]) EachNewest(fn func(v *T) bool) error {
	for r := s.m.FindNewestFirst(s.id, 0); r.IsValid(); r = s.m.FindNewestNext(r, 0) {
		var v T
		if err := unmarshal(r.Bytes()[:s.size], &v); err != nil {
			return err
		}
		if !fn(&v) {
			return nil
		}
	}
	return nil
}

// EachOldest calls fn for every value, oldest first, until fn returns false.
func (s *Fixed[T]) EachOldest(fn func(v *T) bool) error {
	for r := s.m.FindOldestFirst(s.id, 0); r.IsValid(); r = s.m.FindOldestNext(r, 0) {
		var v T
		if err := unmarshal(r.Bytes()[:s.size], &v); err != nil {
			return err
		}
		if !fn(&v) {
			return nil
		}
	}
	return nil
}

// DropAll retires every page of the store and returns how many were dropped.
func (s *Fixed[T]) DropAll() int {
	return s.m.EraseAll(s.id)
}

// FixedKey is an append-only store of values of T addressed by a 32-bit key;
// any number of records may share a key.
type FixedKey[T any] struct {
	m    *nvram.Manager
	id   nvstore.ID
	size int
}

// NewFixedKey creates a keyed fixed store of T under the given ID.
func NewFixedKey[T any](m *nvram.Manager, id nvstore.ID) *FixedKey[T] {
	return &FixedKey[T]{m: m, id: id, size: sizeOf[T]()}
}

// Add appends a value under the given key.
func (s *FixedKey[T]) Add(key nvstore.ID, v *T) error {
	data, err := marshal(v, s.size)
	if err != nil {
		return err
	}
	_, err = s.m.AddFixedKeyed(s.id, key, data)
	return err
}

// Newest returns the most recently added value under the key.
func (s *FixedKey[T]) Newest(key nvstore.ID, v *T) error {
	r := s.m.FindNewestFirst(s.id, uint32(key))
	if !r.IsValid() {
		return nvstore.ErrNotFound
	}
	return unmarshal(r.Data()[:s.size], v)
}

// Each calls fn for every record, in no particular order, until fn returns
// false. fn receives the record's key alongside the value.
func (s *FixedKey[T]) Each(fn func(key nvstore.ID, v *T) bool) error {
	for r := s.m.FindUnorderedFirst(s.id, 0); r.IsValid(); r = s.m.FindUnorderedNext(r, 0) {
		var v T
		if err := unmarshal(r.Data()[:s.size], &v); err != nil {
			return err
		}
		if !fn(nvstore.ID(r.Word()), &v) {
			return nil
		}
	}
	return nil
}

// Delete removes every record with the given key.
func (s *FixedKey[T]) Delete(key nvstore.ID) (int, error) {
	return s.m.Delete(s.id, key)
}

// FixedUniqueKey keeps exactly one value of T per key.
type FixedUniqueKey[T any] struct {
	inner FixedKey[T]
}

// NewFixedUniqueKey creates a unique-key fixed store of T under the given ID.
func NewFixedUniqueKey[T any](m *nvram.Manager, id nvstore.ID) *FixedUniqueKey[T] {
	return &FixedUniqueKey[T]{inner: FixedKey[T]{m: m, id: id, size: sizeOf[T]()}}
}

// Set stores the value under the key, replacing any previous one. Setting an
// unchanged value writes nothing.
func (s *FixedUniqueKey[T]) Set(key nvstore.ID, v *T) error {
	data, err := marshal(v, s.inner.size)
	if err != nil {
		return err
	}
	_, err = s.inner.m.ReplaceFixedKeyed(s.inner.id, key, data)
	return err
}

// Get returns the value stored under the key.
func (s *FixedUniqueKey[T]) Get(key nvstore.ID, v *T) error {
	return s.inner.Newest(key, v)
}

// Each enumerates all key/value pairs, in no particular order.
func (s *FixedUniqueKey[T]) Each(fn func(key nvstore.ID, v *T) bool) error {
	return s.inner.Each(fn)
}

// Delete removes the value stored under the key.
func (s *FixedUniqueKey[T]) Delete(key nvstore.ID) (int, error) {
	return s.inner.Delete(key)
}

// Variable is an append-only store of byte payloads under one ID. The first
// 4 bytes of each payload double as the record's first word and must never be
// all zeros or all ones.
type Variable struct {
	m  *nvram.Manager
	id nvstore.ID
}

// NewVariable creates a variable store under the given ID.
func NewVariable(m *nvram.Manager, id nvstore.ID) *Variable {
	return &Variable{m: m, id: id}
}

// Add appends a payload of at least 4 bytes.
func (s *Variable) Add(data []byte) error {
	_, err := s.m.AddVar(s.id, data)
	return err
}

// Newest returns the most recently added payload. The slice aliases the
// device memory and must not be modified.
func (s *Variable) Newest() ([]byte, error) {
	r := s.m.FindNewestFirst(s.id, 0)
	if !r.IsValid() {
		return nil, nvstore.ErrNotFound
	}
	return r.Bytes(), nil
}

// EachNewest calls fn for every payload, newest first, until fn returns
// false.
func (s *Variable) EachNewest(fn func(data []byte) bool) error {
	for r := s.m.FindNewestFirst(s.id, 0); r.IsValid(); r = s.m.FindNewestNext(r, 0) {
		if !fn(r.Bytes()) {
			return nil
		}
	}
	return nil
}

// EachOldest calls fn for every payload, oldest first, until fn returns
// false.
func (s *Variable) EachOldest(fn func(data []byte) bool) error {
	for r := s.m.FindOldestFirst(s.id, 0); r.IsValid(); r = s.m.FindOldestNext(r, 0) {
		if !fn(r.Bytes()) {
			return nil
		}
	}
	return nil
}

// DropAll retires every page of the store and returns how many were dropped.
func (s *Variable) DropAll() int {
	return s.m.EraseAll(s.id)
}

// VariableKey is an append-only store of byte payloads addressed by a 32-bit
// key.
type VariableKey struct {
	m  *nvram.Manager
	id nvstore.ID
}

// NewVariableKey creates a keyed variable store under the given ID.
func NewVariableKey(m *nvram.Manager, id nvstore.ID) *VariableKey {
	return &VariableKey{m: m, id: id}
}

// Add appends a payload under the given key.
func (s *VariableKey) Add(key nvstore.ID, data []byte) error {
	_, err := s.m.AddVarKeyed(s.id, key, data)
	return err
}

// Newest returns the most recently added payload under the key, without the
// key word. The slice aliases the device memory and must not be modified.
func (s *VariableKey) Newest(key nvstore.ID) ([]byte, error) {
	r := s.m.FindNewestFirst(s.id, uint32(key))
	if !r.IsValid() {
		return nil, nvstore.ErrNotFound
	}
	return r.Data(), nil
}

// Each calls fn for every record, in no particular order, until fn returns
// false. fn receives the record's key and the payload without the key word.
func (s *VariableKey) Each(fn func(key nvstore.ID, data []byte) bool) error {
	for r := s.m.FindUnorderedFirst(s.id, 0); r.IsValid(); r = s.m.FindUnorderedNext(r, 0) {
		if !fn(nvstore.ID(r.Word()), r.Data()) {
			return nil
		}
	}
	return nil
}

// Delete removes every record with the given key.
func (s *VariableKey) Delete(key nvstore.ID) (int, error) {
	return s.m.Delete(s.id, key)
}

// VariableUniqueKey keeps exactly one byte payload per key.
type VariableUniqueKey struct {
	inner VariableKey
}

// NewVariableUniqueKey creates a unique-key variable store under the given
// ID.
func NewVariableUniqueKey(m *nvram.Manager, id nvstore.ID) *VariableUniqueKey {
	return &VariableUniqueKey{inner: VariableKey{m: m, id: id}}
}

// Set stores the payload under the key, replacing any previous one. Setting
// an unchanged payload writes nothing.
func (s *VariableUniqueKey) Set(key nvstore.ID, data []byte) error {
	_, err := s.inner.m.ReplaceVarKeyed(s.inner.id, key, data)
	return err
}

// Get returns the payload stored under the key, without the key word.
func (s *VariableUniqueKey) Get(key nvstore.ID) ([]byte, error) {
	return s.inner.Newest(key)
}

// Each enumerates all key/payload pairs, in no particular order.
func (s *VariableUniqueKey) Each(fn func(key nvstore.ID, data []byte) bool) error {
	return s.inner.Each(fn)
}

// Delete removes the payload stored under the key.
func (s *VariableUniqueKey) Delete(key nvstore.ID) (int, error) {
	return s.inner.Delete(key)
}
