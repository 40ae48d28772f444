// Package nvstoretest provides helpers for tests that need a simulated flash
// device and an initialized store.
package nvstoretest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/norflash/nvstore"
	"github.com/norflash/nvstore/memflash"
	"github.com/norflash/nvstore/nvram"
	"github.com/norflash/nvstore/sched"
)

// NewDevice returns a fully erased simulated flash.
func NewDevice(t *testing.T, size, blockSize uint32) *memflash.Flash {
	t.Helper()
	return memflash.New(size, blockSize)
}

// NewStore builds a device and a manager on a fresh scheduler and formats the
// store. Zero-value cfg fields get the package defaults; cfg.Scheduler and
// cfg.Logf are filled in.
func NewStore(
	t *testing.T, size, blockSize uint32, cfg nvram.Config,
) (*sched.Scheduler, *memflash.Flash, *nvram.Manager) {
	t.Helper()

	dev := memflash.New(size, blockSize)
	sch := sched.New()
	cfg.Scheduler = sch
	cfg.Logf = t.Logf

	m := nvram.New(dev, cfg)
	require.True(t, m.Initialize(nvstore.InitReset), "formatting must succeed")
	return sch, dev, m
}

// LoadStore builds a store from an existing flash image, initializing without
// a reset so the image contents survive. The image bytes are copied; the
// caller's slice stays untouched.
func LoadStore(
	t *testing.T, image []byte, blockSize uint32, cfg nvram.Config,
) (*sched.Scheduler, *memflash.Flash, *nvram.Manager) {
	t.Helper()

	dev, err := memflash.Load(bytesextra.NewReadWriteSeeker(image), blockSize)
	require.NoError(t, err, "flash image must load")

	sch := sched.New()
	cfg.Scheduler = sch
	cfg.Logf = t.Logf

	m := nvram.New(dev, cfg)
	require.True(t, m.Initialize(0), "initialization must succeed")
	return sch, dev, m
}

// Settle runs the scheduler until every task, the collector included, has
// finished. A task blocked with no way to make progress fails the test.
func Settle(t *testing.T, sch *sched.Scheduler) {
	t.Helper()
	sch.Run()
	require.True(t, sch.Idle(), "tasks are stuck")
}
