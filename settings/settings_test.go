package settings_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norflash/nvstore"
	"github.com/norflash/nvstore/nvram"
	"github.com/norflash/nvstore/nvstoretest"
	"github.com/norflash/nvstore/sched"
	"github.com/norflash/nvstore/settings"
	"github.com/norflash/nvstore/storage"
)

var (
	settingsID = nvstore.MakeID("SETT")
	keyTimeout = nvstore.MakeID("TIMO")
	keyName    = nvstore.MakeID("NAME")
)

func testSpecs() []settings.Spec {
	return []settings.Spec{
		{Key: keyTimeout, Name: "timeout", Default: []byte{30, 0, 0, 0}},
		{Key: keyName, Name: "name", Default: []byte("unnamed ")},
	}
}

func newSettings(t *testing.T) (*sched.Scheduler, *nvram.Manager, *settings.Settings) {
	t.Helper()
	sch, _, m := nvstoretest.NewStore(t, 4096, 1024, nvram.Config{PagesPerBlock: 4})
	return sch, m, settings.New(m, settingsID, testSpecs())
}

func TestSettings__Get__FallsBackToDefault(t *testing.T) {
	_, _, s := newSettings(t)

	assert.Equal(t, []byte{30, 0, 0, 0}, s.Get(keyTimeout))
	assert.Equal(t, []byte("unnamed "), s.Get(keyName))
	assert.Nil(t, s.Get(nvstore.MakeID("HUH?")), "unknown keys have no value")
	assert.True(t, s.IsCurrent())
}

func TestSettings__Set__RoundTrips(t *testing.T) {
	_, _, s := newSettings(t)

	require.NoError(t, s.Set(keyTimeout, []byte{60, 0, 0, 0}))
	assert.Equal(t, []byte{60, 0, 0, 0}, s.Get(keyTimeout))
	assert.Equal(t, []byte("unnamed "), s.Get(keyName), "other settings are untouched")
	assert.True(t, s.IsCurrent(), "Set refreshes the cache")
}

func TestSettings__Set__RejectsBadValues(t *testing.T) {
	_, _, s := newSettings(t)

	assert.ErrorIs(t, s.Set(keyTimeout, []byte{60}), nvstore.ErrInvalidArgument,
		"the default fixes the size")
	assert.ErrorIs(t, s.Set(nvstore.MakeID("HUH?"), []byte{1, 2, 3, 4}), nvstore.ErrNotFound)
}

func TestSettings__Set__DefaultErasesTheRecord(t *testing.T) {
	_, m, s := newSettings(t)
	store := storage.NewVariableUniqueKey(m, settingsID)

	require.NoError(t, s.Set(keyTimeout, []byte{60, 0, 0, 0}))
	_, err := store.Get(keyTimeout)
	require.NoError(t, err, "a non-default value must be stored")

	require.NoError(t, s.Set(keyTimeout, []byte{30, 0, 0, 0}))
	_, err = store.Get(keyTimeout)
	assert.ErrorIs(t, err, nvstore.ErrNotFound, "the default must not occupy flash")
	assert.Equal(t, []byte{30, 0, 0, 0}, s.Get(keyTimeout))

	// Setting the default on a never-written setting stores nothing either.
	require.NoError(t, s.Set(keyName, []byte("unnamed ")))
	_, err = store.Get(keyName)
	assert.ErrorIs(t, err, nvstore.ErrNotFound)
}

func TestSettings__Refresh__PicksUpOutsideChanges(t *testing.T) {
	_, m, s := newSettings(t)

	// Another store handle writing under the same ID, like a different
	// subsystem or the command line tooling would.
	other := storage.NewVariableUniqueKey(m, settingsID)
	require.NoError(t, other.Set(keyName, []byte("impostor")))

	assert.False(t, s.IsCurrent(), "the cache is stale now")
	assert.Equal(t, []byte("impostor"), s.Get(keyName), "Get refreshes by itself")
	assert.True(t, s.IsCurrent())
}

func TestSettings__Refresh__TruncatesOversizedRecords(t *testing.T) {
	_, m, s := newSettings(t)

	other := storage.NewVariableUniqueKey(m, settingsID)
	require.NoError(t, other.Set(keyName, []byte("a value far longer than the spec")))
	assert.Equal(t, []byte("a value "), s.Get(keyName))

	// Too short to be a value of this setting; the default wins.
	require.NoError(t, other.Set(keyName, []byte("tiny")))
	assert.Equal(t, []byte("unnamed "), s.Get(keyName))
}

func TestSettings__NeedsNotify__TracksChangedValues(t *testing.T) {
	_, m, s := newSettings(t)

	assert.False(t, s.NeedsNotify(keyTimeout))

	other := storage.NewVariableUniqueKey(m, settingsID)
	require.NoError(t, other.Set(keyTimeout, []byte{90, 0, 0, 0}))

	assert.True(t, s.NeedsNotify(keyTimeout))
	assert.False(t, s.NeedsNotify(keyName), "only the changed setting is flagged")

	s.MarkNotified(keyTimeout)
	assert.False(t, s.NeedsNotify(keyTimeout))
	assert.Equal(t, []byte{90, 0, 0, 0}, s.Get(keyTimeout), "the value itself stays")
}

func TestSettings__WaitChange__WakesOnWrite(t *testing.T) {
	sch, m, s := newSettings(t)

	var seen []byte
	sch.Spawn(func(task *sched.Task) {
		s.WaitChange(task)
		seen = s.Get(keyTimeout)
	})
	sch.Spawn(func(task *sched.Task) {
		task.Yield()
		other := storage.NewVariableUniqueKey(m, settingsID)
		assert.NoError(t, other.Set(keyTimeout, []byte{15, 0, 0, 0}))
	})

	nvstoretest.Settle(t, sch)
	assert.Equal(t, []byte{15, 0, 0, 0}, seen)
}

func TestSettings__Lookup__FindsSpecsByName(t *testing.T) {
	_, _, s := newSettings(t)

	spec, ok := s.Lookup("timeout")
	require.True(t, ok)
	assert.Equal(t, keyTimeout, spec.Key)
	assert.Equal(t, []byte{30, 0, 0, 0}, spec.Default)

	_, ok = s.Lookup("nonsense")
	assert.False(t, ok)

	assert.Len(t, s.Specs(), 2)
}

func TestSettings__SurvivesReboot(t *testing.T) {
	_, dev, m := nvstoretest.NewStore(t, 4096, 1024, nvram.Config{PagesPerBlock: 4})
	s := settings.New(m, settingsID, testSpecs())
	require.NoError(t, s.Set(keyName, []byte("gateway7")))

	sch2 := sched.New()
	m2 := nvram.New(dev, nvram.Config{PagesPerBlock: 4, Scheduler: sch2, Logf: t.Logf})
	require.True(t, m2.Initialize(0))

	s2 := settings.New(m2, settingsID, testSpecs())
	assert.Equal(t, []byte("gateway7"), s2.Get(keyName))
	assert.Equal(t, []byte{30, 0, 0, 0}, s2.Get(keyTimeout), "unset settings read the default")
}
