package guarded

import (
	"errors"
	"sync"
	"testing"

	"github.com/mbraeken/guarded/internal/opt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type config struct {
	Limit int
	Name  string
}

func spinState(t *testing.T, u *RW[config]) int64 {
	t.Helper()
	l, ok := u.lock.(*SpinRWLock)
	require.True(t, ok, "wrapper not backed by a SpinRWLock")
	return l.state.Load()
}

func TestRWGuards(t *testing.T) {
	u := NewRW(config{Limit: 10, Name: "a"})

	r := u.Read()
	assert.Equal(t, 10, r.Value().Limit)
	r.Release()

	w := u.Write()
	w.Value().Limit = 20
	w.Release()

	r = u.Read()
	assert.Equal(t, 20, r.Value().Limit)
	r.Release()

	u.CheckIdle()
	assert.EqualValues(t, 0, spinState(t, u))
}

func TestRWGuardReleaseIdempotent(t *testing.T) {
	u := NewRW(config{})
	r := u.Read()
	r.Release()
	r.Release() // second release is inert
	u.CheckIdle()
}

func TestRWConstGuardFromView(t *testing.T) {
	u := NewRW(config{Name: "ro"})
	view := u.ReadOnly()

	c := view.Read()
	assert.Equal(t, "ro", c.Value().Name)
	c.Release()
	u.CheckIdle()
}

func TestRWGuardUpgradeSoleReader(t *testing.T) {
	u := NewRW(config{Limit: 1})

	r := u.Read()
	w, err := r.Upgrade()
	require.NoError(t, err)
	w.Value().Limit = 2

	// Releasing the write guard downgrades; the read guard owns the
	// read lock again and still works.
	w.Release()
	assert.Equal(t, 2, r.Value().Limit)
	r.Release()

	u.CheckIdle()
	assert.EqualValues(t, 0, spinState(t, u))
}

func TestRWGuardUpgradeConflictRetry(t *testing.T) {
	u := NewRW(config{})
	var conflicts int

	var mu sync.Mutex // serializes the conflict counter only
	var eg errgroup.Group
	for range 2 {
		eg.Go(func() error {
			r := u.Read()
			for {
				w, err := r.Upgrade()
				if err == nil {
					w.Value().Limit++
					w.Release()
					r.Release()
					return nil
				}
				if !errors.Is(err, ErrConflict) {
					r.Release()
					return err
				}
				mu.Lock()
				conflicts++
				mu.Unlock()
				r.Release()
				u.UpgradeYield()
				r = u.Read()
			}
		})
	}
	require.NoError(t, eg.Wait())

	r := u.Read()
	assert.Equal(t, 2, r.Value().Limit)
	r.Release()
	u.CheckIdle()
}

func TestRWWriteGuardBorrowedRead(t *testing.T) {
	u := NewRW(config{Limit: 7})

	readIt := func(r *ReadGuard[config]) int {
		return r.Value().Limit
	}

	w := u.Write()
	// Passing the write guard's read view does not release anything.
	assert.Equal(t, 7, readIt(&w.ReadGuard))

	// Upgrading that view hands back a borrowed write guard whose
	// Release leaves the lock alone.
	bw, err := w.ReadGuard.Upgrade()
	require.NoError(t, err)
	bw.Value().Limit = 8
	bw.Release()

	w.Value().Limit++
	w.Release()

	r := u.Read()
	assert.Equal(t, 9, r.Value().Limit)
	r.Release()
	u.CheckIdle()
	assert.EqualValues(t, 0, spinState(t, u))
}

// Scenario: carry a write lock into a read section with no unlocked
// window and no conversion conflict possible.
func TestRWCarrySequence(t *testing.T) {
	u := NewRW(config{})

	carry := u.Carry()
	w := carry.Write()
	w.Value().Limit = 1
	w.Release() // downgrade, not unlock

	// Still read-locked here: a writer cannot slip in between.
	r := carry.Read()
	assert.Equal(t, 1, r.Value().Limit)
	r.Release()

	carry.Release()
	u.CheckIdle()
	assert.EqualValues(t, 0, spinState(t, u), "lock still held after carry teardown")
}

func TestRWCarryNeverWritten(t *testing.T) {
	u := NewRW(config{})
	carry := u.Carry()
	carry.Release() // armed but unused: nothing to unlock
	u.CheckIdle()
}

func TestRWCarryMisuse(t *testing.T) {
	u := NewRW(config{})

	carry := u.Carry()
	w := carry.Write()
	assert.Panics(t, func() { carry.Write() }, "second write guard from one carry")
	assert.Panics(t, func() { carry.Release() }, "release with live write guard")
	w.Release()

	r := carry.Read()
	assert.Panics(t, func() { r.Upgrade() }, "upgrade of a carry read guard")
	r.Release()
	carry.Release()

	fresh := u.Carry()
	assert.Panics(t, func() { fresh.Read() }, "read before write")
	fresh.Release()
	u.CheckIdle()
}

func TestRWWithRWMutex(t *testing.T) {
	u := NewRWWith(config{Limit: 3}, new(RWMutex))

	r := u.Read()
	w, err := r.Upgrade()
	require.NoError(t, err)
	w.Value().Limit = 4
	w.Release()
	r.Release()

	c := u.ReadOnly().Read()
	assert.Equal(t, 4, c.Value().Limit)
	c.Release()
	u.CheckIdle()
}

type animal struct {
	Name string
}

type dog struct {
	animal
	Tricks int
}

func TestRWBaseView(t *testing.T) {
	u := NewRW(dog{animal: animal{Name: "rex"}})
	base := RWBaseOf(u, func(d *dog) *animal { return &d.animal })

	w := base.Write()
	w.Value().Name = "fido"
	w.Release()

	r := u.Read()
	assert.Equal(t, "fido", r.Value().Name)
	r.Release()

	// The base view shares the lock and the guard accounting.
	br := base.Read()
	assert.Panics(t, func() { u.CheckIdle() })
	br.Release()
	u.CheckIdle()
}

func TestRWBaseCarry(t *testing.T) {
	u := NewRW(dog{})
	base := RWBaseOf(u, func(d *dog) *animal { return &d.animal })

	carry := base.Carry()
	w := carry.Write()
	w.Value().Name = "bo"
	w.Release()
	r := carry.Read()
	assert.Equal(t, "bo", r.Value().Name)
	r.Release()
	carry.Release()
	u.CheckIdle()
}

func TestCheckIdlePanicsOnLeak(t *testing.T) {
	u := NewRW(config{})
	r := u.Read()
	assert.Panics(t, func() { u.CheckIdle() })
	r.Release()
	u.CheckIdle()
}

func TestReleasedGuardValuePanics(t *testing.T) {
	if !opt.Checks_ {
		t.Skip("needs the checks build (-race or guarded_checks)")
	}
	u := NewRW(config{})
	r := u.Read()
	r.Release()
	assert.Panics(t, func() { r.Value() })
	u.CheckIdle()
}

func TestMuGuards(t *testing.T) {
	u := NewMu(config{Limit: 1})

	r := u.Read()
	assert.Equal(t, 1, r.Value().Limit)
	r.Release()

	w := u.Write()
	w.Value().Limit = 2
	w.Release()

	c := u.ReadOnly().Read()
	assert.Equal(t, 2, c.Value().Limit)
	c.Release()

	u.CheckIdle()
}

func TestMuGuardsExclusive(t *testing.T) {
	u := NewMu(0)

	var eg errgroup.Group
	for range 8 {
		eg.Go(func() error {
			for range 1000 {
				w := u.Write()
				*w.Value()++
				w.Release()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	r := u.Read()
	assert.Equal(t, 8000, *r.Value())
	r.Release()
	u.CheckIdle()
}

func TestMuWithCustomLocker(t *testing.T) {
	u := NewMuWith(config{Name: "x"}, new(sync.Mutex))
	w := u.Write()
	w.Value().Name = "y"
	w.Release()

	base := MuBaseOf(u, func(c *config) *string { return &c.Name })
	r := base.Read()
	assert.Equal(t, "y", *r.Value())
	r.Release()
	u.CheckIdle()
}

func TestLocalGuards(t *testing.T) {
	u := NewLocal(config{Limit: 5})

	w := u.Write()
	w.Value().Limit = 6
	w.Release()

	r := u.Read()
	assert.Equal(t, 6, r.Value().Limit)
	r.Release()

	c := u.ReadOnly().Read()
	assert.Equal(t, 6, c.Value().Limit)
	c.Release()

	u.CheckIdle()
}

func TestLocalCrossGoroutinePanics(t *testing.T) {
	if !opt.Checks_ {
		t.Skip("needs the checks build (-race or guarded_checks)")
	}
	u := NewLocal(config{})
	r := u.Read() // claims ownership for this goroutine
	r.Release()

	panicked := make(chan bool, 1)
	go func() {
		defer func() { panicked <- recover() != nil }()
		u.Read()
	}()
	assert.True(t, <-panicked, "second goroutine got access to a Local value")
}
