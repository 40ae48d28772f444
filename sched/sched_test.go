package sched_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norflash/nvstore/sched"
)

func TestScheduler__Run__SingleTask(t *testing.T) {
	s := sched.New()
	ran := false
	s.Spawn(func(task *sched.Task) { ran = true })

	s.Run()
	assert.True(t, ran, "task never ran")
	assert.True(t, s.Idle())
}

func TestScheduler__Run__YieldInterleaves(t *testing.T) {
	s := sched.New()
	var order []int

	s.Spawn(func(task *sched.Task) {
		order = append(order, 1)
		task.Yield()
		order = append(order, 3)
	})
	s.Spawn(func(task *sched.Task) {
		order = append(order, 2)
		task.Yield()
		order = append(order, 4)
	})

	s.Run()
	assert.Equal(t, []int{1, 2, 3, 4}, order, "yield must round-robin the tasks")
}

func TestScheduler__Sleep__AdvancesVirtualClock(t *testing.T) {
	s := sched.New()
	var woke uint64

	s.Spawn(func(task *sched.Task) {
		task.Sleep(25)
		woke = s.Now()
	})

	ticks := s.Run()
	assert.EqualValues(t, 25, ticks, "Run must report the time it advanced")
	assert.EqualValues(t, 25, woke)
}

func TestScheduler__Sleep__ShortestSleeperWakesFirst(t *testing.T) {
	s := sched.New()
	var order []string

	s.Spawn(func(task *sched.Task) {
		task.Sleep(100)
		order = append(order, "slow")
	})
	s.Spawn(func(task *sched.Task) {
		task.Sleep(10)
		order = append(order, "fast")
	})

	s.Run()
	require.Equal(t, []string{"fast", "slow"}, order)
	assert.EqualValues(t, 100, s.Now())
}

func TestScheduler__WaitUntil__WokenByOtherTask(t *testing.T) {
	s := sched.New()
	flag := false
	woken := false

	s.Spawn(func(task *sched.Task) {
		task.WaitUntil(func() bool { return flag })
		woken = true
	})
	s.Spawn(func(task *sched.Task) {
		task.Yield()
		flag = true
	})

	s.Run()
	assert.True(t, woken)
	assert.True(t, s.Idle())
}

func TestScheduler__WaitUntil__DeadlockedTasksAreAbandoned(t *testing.T) {
	s := sched.New()

	s.Spawn(func(task *sched.Task) {
		task.WaitUntil(func() bool { return false })
	})

	s.Run()
	assert.False(t, s.Idle(), "a task blocked forever must stay on the scheduler")
}

func TestScheduler__WaitUntilFor__TimesOut(t *testing.T) {
	s := sched.New()
	var satisfied bool

	s.Spawn(func(task *sched.Task) {
		satisfied = task.WaitUntilFor(func() bool { return false }, 40)
	})

	s.Run()
	assert.False(t, satisfied, "condition can never be satisfied")
	assert.EqualValues(t, 40, s.Now(), "timeout must advance the clock")
}

func TestScheduler__WaitUntilFor__ConditionBeatsTimeout(t *testing.T) {
	s := sched.New()
	flag := false
	var satisfied bool

	s.Spawn(func(task *sched.Task) {
		satisfied = task.WaitUntilFor(func() bool { return flag }, 1000)
	})
	s.Spawn(func(task *sched.Task) {
		task.Sleep(5)
		flag = true
	})

	s.Run()
	assert.True(t, satisfied)
	assert.EqualValues(t, 5, s.Now(), "waiter must not run out the full timeout")
}
