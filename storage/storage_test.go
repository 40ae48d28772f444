package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norflash/nvstore"
	"github.com/norflash/nvstore/nvram"
	"github.com/norflash/nvstore/nvstoretest"
	"github.com/norflash/nvstore/storage"
)

// bootRecord is a sample fixed-size value. Magic sits first so the serialized
// form never starts with a reserved word.
type bootRecord struct {
	Magic   uint32
	Counter uint32
	Reason  uint8
	_       [3]byte
}

const bootMagic = 0x544F4F42 // "BOOT"

func newManager(t *testing.T) *nvram.Manager {
	t.Helper()
	_, _, m := nvstoretest.NewStore(t, 4096, 1024, nvram.Config{PagesPerBlock: 4})
	return m
}

func TestFixed__AddAndEnumerate(t *testing.T) {
	m := newManager(t)
	s := storage.NewFixed[bootRecord](m, nvstore.MakeID("BOOT"))

	for i := 1; i <= 5; i++ {
		err := s.Add(&bootRecord{Magic: bootMagic, Counter: uint32(i), Reason: 2})
		require.NoError(t, err)
	}

	var newest bootRecord
	require.NoError(t, s.Newest(&newest))
	assert.EqualValues(t, 5, newest.Counter)

	var oldest bootRecord
	require.NoError(t, s.Oldest(&oldest))
	assert.EqualValues(t, 1, oldest.Counter)

	want := uint32(5)
	err := s.EachNewest(func(v *bootRecord) bool {
		assert.Equal(t, want, v.Counter)
		assert.EqualValues(t, bootMagic, v.Magic)
		want--
		return true
	})
	require.NoError(t, err)
	assert.Zero(t, want, "all five records enumerated")
}

func TestFixed__NewestOnEmptyStore(t *testing.T) {
	m := newManager(t)
	s := storage.NewFixed[bootRecord](m, nvstore.MakeID("NONE"))

	var v bootRecord
	assert.ErrorIs(t, s.Newest(&v), nvstore.ErrNotFound)
	assert.ErrorIs(t, s.Oldest(&v), nvstore.ErrNotFound)
}

func TestFixed__EachStopsEarly(t *testing.T) {
	m := newManager(t)
	s := storage.NewFixed[bootRecord](m, nvstore.MakeID("STOP"))
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Add(&bootRecord{Magic: bootMagic, Counter: uint32(i)}))
	}

	seen := 0
	require.NoError(t, s.EachOldest(func(*bootRecord) bool {
		seen++
		return seen < 2
	}))
	assert.Equal(t, 2, seen)
}

type calibration struct {
	Offset int32
	Scale  float32
}

func TestFixedUniqueKey__SetGetReplace(t *testing.T) {
	m := newManager(t)
	s := storage.NewFixedUniqueKey[calibration](m, nvstore.MakeID("CAL"))
	sensor := nvstore.MakeID("TMP0")

	require.NoError(t, s.Set(sensor, &calibration{Offset: -40, Scale: 1.25}))

	var got calibration
	require.NoError(t, s.Get(sensor, &got))
	assert.Equal(t, calibration{Offset: -40, Scale: 1.25}, got)

	require.NoError(t, s.Set(sensor, &calibration{Offset: -41, Scale: 1.5}))
	require.NoError(t, s.Get(sensor, &got))
	assert.Equal(t, calibration{Offset: -41, Scale: 1.5}, got)

	deleted, err := s.Delete(sensor)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.ErrorIs(t, s.Get(sensor, &got), nvstore.ErrNotFound)
}

func TestFixedKey__EachYieldsKeys(t *testing.T) {
	m := newManager(t)
	s := storage.NewFixedKey[calibration](m, nvstore.MakeID("CALS"))

	keys := []nvstore.ID{nvstore.MakeID("TMP0"), nvstore.MakeID("TMP1"), nvstore.MakeID("HUM0")}
	for i, k := range keys {
		require.NoError(t, s.Add(k, &calibration{Offset: int32(i)}))
	}

	got := map[nvstore.ID]int32{}
	require.NoError(t, s.Each(func(key nvstore.ID, v *calibration) bool {
		got[key] = v.Offset
		return true
	}))
	assert.Equal(t, map[nvstore.ID]int32{keys[0]: 0, keys[1]: 1, keys[2]: 2}, got)
}

func TestVariable__AddAndEnumerate(t *testing.T) {
	m := newManager(t)
	s := storage.NewVariable(m, nvstore.MakeID("LOG"))

	lines := [][]byte{
		[]byte("boot: cold start"),
		[]byte("net: link up"),
		[]byte("app: ready"),
	}
	for _, l := range lines {
		require.NoError(t, s.Add(l))
	}

	i := 0
	require.NoError(t, s.EachOldest(func(data []byte) bool {
		require.Less(t, i, len(lines))
		assert.Equal(t, lines[i], data)
		i++
		return true
	}))
	assert.Equal(t, len(lines), i)

	newest, err := s.Newest()
	require.NoError(t, err)
	assert.Equal(t, []byte("app: ready"), newest)
}

func TestVariableUniqueKey__SetGetDelete(t *testing.T) {
	m := newManager(t)
	s := storage.NewVariableUniqueKey(m, nvstore.MakeID("BLOB"))
	key := nvstore.MakeID("CERT")

	require.NoError(t, s.Set(key, []byte("---cert v1---")))
	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("---cert v1---"), got)

	require.NoError(t, s.Set(key, []byte("---a longer cert v2---")))
	got, err = s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("---a longer cert v2---"), got)

	deleted, err := s.Delete(key)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, err = s.Get(key)
	assert.ErrorIs(t, err, nvstore.ErrNotFound)
}

func TestVariable__DropAll(t *testing.T) {
	m := newManager(t)
	s := storage.NewVariable(m, nvstore.MakeID("TMP"))
	require.NoError(t, s.Add([]byte("ephemeral")))

	assert.Equal(t, 1, s.DropAll())
	_, err := s.Newest()
	assert.ErrorIs(t, err, nvstore.ErrNotFound)
}
