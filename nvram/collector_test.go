package nvram_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norflash/nvstore"
	"github.com/norflash/nvstore/nvram"
	"github.com/norflash/nvstore/nvstoretest"
	"github.com/norflash/nvstore/sched"
)

func TestManager__Collector__ErasesRetiredBlocksAndBumpsGeneration(t *testing.T) {
	both(t, func(t *testing.T, double bool) {
		sch, _, m := newStore(t, double)
		id := nvstore.MakeID("GEN")

		// Fill the highest block with pages, then retire them all.
		for i := 0; i < testPages; i++ {
			require.NotNil(t, m.NewPage(id, 16))
		}
		usedBlock := m.UsedBlocks()[len(m.UsedBlocks())-1]
		assert.EqualValues(t, 1, usedBlock.Generation())

		assert.Equal(t, testPages, m.EraseAll(id))
		nvstoretest.Settle(t, sch)

		assert.Equal(t, nvram.BlockValid, usedBlock.State(),
			"the erased block comes back formatted")
		assert.EqualValues(t, 2, usedBlock.Generation(),
			"the erase counter survives the erase")
		assert.Equal(t, 16, m.PagesAvailable())
	})
}

func TestManager__Collector__SurvivesInterruptedErase(t *testing.T) {
	both(t, func(t *testing.T, double bool) {
		sch, dev, m := newStore(t, double)
		id := nvstore.MakeID("INTR")

		for i := 0; i < testPages; i++ {
			require.NotNil(t, m.NewPage(id, 16))
		}
		require.Equal(t, testPages, m.EraseAll(id))

		dev.InterruptNextErases(2)
		nvstoretest.Settle(t, sch)

		assert.Equal(t, 16, m.PagesAvailable(), "the erase must be retried until it sticks")
		assert.GreaterOrEqual(t, dev.EraseOps(), 1)
	})
}

func TestManager__CollectorDiscardOldest__FreesPagesUnderPressure(t *testing.T) {
	both(t, func(t *testing.T, double bool) {
		sch, _, m := newStore(t, double)
		id := nvstore.MakeID("RING")
		m.RegisterCollector(id, 1, nvram.CollectorDiscardOldest)

		// Fill the whole device. The collector cannot run in between because
		// nothing drives the scheduler yet.
		written := 0
		for {
			_, err := m.AddFixedKeyed(id, nvstore.ID(written+1), []byte("ring payload"))
			if err != nil {
				require.ErrorIs(t, err, nvstore.ErrNoSpaceOnDevice)
				break
			}
			written++
		}
		require.Equal(t, 0, m.PagesAvailable())

		// Now the collector discards the oldest pages until whole blocks
		// could be erased and the free-page watermark is met again.
		nvstoretest.Settle(t, sch)
		assert.GreaterOrEqual(t, m.PagesAvailable(), 4)

		// The newest data survives, the oldest was sacrificed.
		newest := m.FindNewestFirst(id, 0)
		require.True(t, newest.IsValid())
		assert.EqualValues(t, written, newest.Word())
		assert.False(t, m.FindOldestFirst(id, 1).IsValid(), "the first record is gone")

		// And there is room to keep writing.
		_, err := m.AddFixedKeyed(id, nvstore.ID(written+1), []byte("ring payload"))
		assert.NoError(t, err)
		nvstoretest.Settle(t, sch)
	})
}

func TestManager__CollectorRelocate__CompactsSparsePages(t *testing.T) {
	both(t, func(t *testing.T, double bool) {
		sch, _, m := newStore(t, double)
		id := nvstore.MakeID("PACK")
		m.RegisterCollector(id, 0, nvram.CollectorRelocate)

		// Fill one page, then shred all but one record.
		for k := 1; k <= 15; k++ {
			_, err := m.AddFixedKeyed(id, nvstore.ID(k), []byte("sparse......"))
			require.NoError(t, err)
		}
		for k := 1; k <= 14; k++ {
			_, err := m.Delete(id, nvstore.ID(k))
			require.NoError(t, err)
		}

		m.RunCollector()
		nvstoretest.Settle(t, sch)

		r := m.FindNewestFirst(id, 15)
		require.True(t, r.IsValid(), "the survivor must be moved, not lost")
		assert.Equal(t, []byte("sparse......"), r.Data()[:12])

		pages := 0
		for p := m.FirstPage(id); p != nil; p = p.Next() {
			pages++
		}
		assert.Equal(t, 1, pages, "the sparse page must be retired")
		assert.EqualValues(t, 2, m.NewestPage(id).Sequence(), "the survivor lives on a newer page")
	})
}

func TestManager__CollectorCleanup__RetiresEmptyPages(t *testing.T) {
	_, _, m := newStore(t, false)
	id := nvstore.MakeID("MT")
	m.RegisterCollector(id, 0, nvram.CollectorCleanup)

	for k := 1; k <= 3; k++ {
		_, err := m.AddVarKeyed(id, nvstore.ID(k), []byte("temporary"))
		require.NoError(t, err)
	}
	_, err := m.Delete(id, 1)
	require.NoError(t, err)
	_, err = m.Delete(id, 2)
	require.NoError(t, err)
	_, err = m.Delete(id, 3)
	require.NoError(t, err)

	assert.Equal(t, 1, nvram.CollectorCleanup(m, id))
	assert.Nil(t, m.FirstPage(id), "the empty page must be retired")
	assert.Equal(t, 0, nvram.CollectorCleanup(m, id), "nothing left to clean")
}

func TestManager__Collector__DrainsCleanupPoliciesInEveryRound(t *testing.T) {
	sch, _, m := newStore(t, false)
	id := nvstore.MakeID("PRES")

	// A cleanup-style policy must get its chance in every collection round,
	// not just in the opening one, so it can pick up pages the destructive
	// levels empty out along the way.
	level0, level1 := 0, 0
	m.RegisterCollector(id, 0, func(*nvram.Manager, nvstore.ID) int {
		level0++
		return 0
	})
	m.RegisterCollector(id, 1, func(m *nvram.Manager, id nvstore.ID) int {
		level1++
		return nvram.CollectorDiscardOldest(m, id)
	})

	for {
		if _, err := m.AddFixedKeyed(id, 1, []byte("pressure....")); err != nil {
			require.ErrorIs(t, err, nvstore.ErrNoSpaceOnDevice)
			break
		}
	}
	nvstoretest.Settle(t, sch)

	assert.GreaterOrEqual(t, m.PagesAvailable(), 4)
	assert.Positive(t, level1, "the destructive policy must have freed space")
	assert.Greater(t, level0, 1,
		"the non-destructive policy must run alongside every destructive round")
}

func TestManager__RegisterCollector__ReplacesSameLevel(t *testing.T) {
	sch, _, m := newStore(t, false)
	id := nvstore.MakeID("POL")

	first, second := 0, 0
	m.RegisterCollector(id, 1, func(*nvram.Manager, nvstore.ID) int { first++; return 0 })
	m.RegisterCollector(id, 1, func(*nvram.Manager, nvstore.ID) int { second++; return 0 })

	// Force a pass with nothing to collect; only the replacement may run.
	for m.PagesAvailable() > 3 {
		require.NotNil(t, m.NewPage(id, 16))
	}
	nvstoretest.Settle(t, sch)

	assert.Zero(t, first, "the replaced policy must never run")
	assert.Positive(t, second)
}

func TestManager__Collect__WaitsForQuiescence(t *testing.T) {
	sch, _, m := newStore(t, false)
	id := nvstore.MakeID("SYNC")

	for i := 0; i < testPages; i++ {
		require.NotNil(t, m.NewPage(id, 16))
	}
	require.Equal(t, testPages, m.EraseAll(id))

	checked := false
	sch.Spawn(func(task *sched.Task) {
		m.Collect(task)
		assert.Equal(t, 16, m.PagesAvailable(), "Collect returns only when the space is back")
		checked = true
	})
	nvstoretest.Settle(t, sch)
	require.True(t, checked)
}

func TestManager__Notify__ReachesSubscribers(t *testing.T) {
	_, _, m := newStore(t, false)
	id := nvstore.MakeID("NTFY")
	other := nvstore.MakeID("ELSE")

	var got []nvstore.ID
	m.RegisterNotifier(id, func(changed nvstore.ID) { got = append(got, changed) })

	_, err := m.ReplaceVarKeyed(id, 1, []byte("one"))
	require.NoError(t, err)
	_, err = m.ReplaceVarKeyed(other, 1, []byte("two"))
	require.NoError(t, err)
	_, err = m.Delete(id, 1)
	require.NoError(t, err)

	assert.Equal(t, []nvstore.ID{id, id}, got,
		"one notification per change to the subscribed ID")
}

func TestVersionTracker__FollowsChanges(t *testing.T) {
	sch, _, m := newStore(t, false)
	id := nvstore.MakeID("VERS")
	vt := m.NewVersionTracker(id)

	v := vt.Version()
	assert.True(t, vt.IsCurrent(v))

	_, err := m.ReplaceVarKeyed(id, 1, []byte("changed"))
	require.NoError(t, err)
	assert.False(t, vt.IsCurrent(v), "a replace must bump the version")

	// Unchanged replace writes nothing and must not bump.
	v = vt.Version()
	_, err = m.ReplaceVarKeyed(id, 1, []byte("changed"))
	require.NoError(t, err)
	assert.True(t, vt.IsCurrent(v))

	// A waiting task wakes up on the next change.
	var woken uint32
	sch.Spawn(func(task *sched.Task) {
		woken = vt.WaitChange(task, vt.Version())
	})
	sch.Spawn(func(task *sched.Task) {
		task.Yield()
		_, err := m.ReplaceVarKeyed(id, 1, []byte("again"))
		assert.NoError(t, err)
	})
	nvstoretest.Settle(t, sch)
	assert.Equal(t, vt.Version(), woken)
	assert.NotEqual(t, v, woken)
}

func TestVersionTracker__WaitChangeFor__TimesOut(t *testing.T) {
	sch, _, m := newStore(t, false)
	vt := m.NewVersionTracker(nvstore.MakeID("SLNT"))

	var changed bool
	sch.Spawn(func(task *sched.Task) {
		_, changed = vt.WaitChangeFor(task, vt.Version(), 50)
	})
	nvstoretest.Settle(t, sch)
	assert.False(t, changed, "nothing ever changes under this ID")
	assert.EqualValues(t, 50, sch.Now())
}
