package groups

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.dat")

	r, err := NewRegistry(path)
	require.NoError(t, err)

	_, err = r.Add("temps", "^temp-.*")
	require.NoError(t, err)
	_, err = r.Add("humidity", "^hum-.*")
	require.NoError(t, err)

	reloaded, err := NewRegistry(path)
	require.NoError(t, err)

	g, ok := reloaded.Get("temps")
	require.True(t, ok)
	assert.Equal(t, "^temp-.*", g.Source)

	_, ok = reloaded.Get("humidity")
	assert.True(t, ok)
	assert.Len(t, reloaded.All(), 2)
}

func TestRegistryLoadsMissingFileAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.dat")

	r, err := NewRegistry(path)
	require.NoError(t, err)
	assert.Empty(t, r.All())
}

func TestAddRejectsDuplicateName(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "groups.dat"))
	require.NoError(t, err)

	_, err = r.Add("temps", "^temp-.*")
	require.NoError(t, err)

	_, err = r.Add("temps", "^other-.*")
	assert.Error(t, err)
}

func TestDropRemovesGroup(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "groups.dat"))
	require.NoError(t, err)

	_, err = r.Add("temps", "^temp-.*")
	require.NoError(t, err)

	require.NoError(t, r.Drop("temps"))
	_, ok := r.Get("temps")
	assert.False(t, ok)
}

func runWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	return cancel
}

// waitReconciled polls until cond is true or the deadline passes, since
// reconciliation happens asynchronously on the worker's wake channel.
func waitReconciled(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true within deadline")
}

func TestNewGroupMatchesAgainstExistingSeries(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "groups.dat"))
	require.NoError(t, err)
	w := NewWorker(r)

	w.NewSeries("temp-kitchen")
	w.NewSeries("hum-kitchen")

	stop := runWorker(t, w)
	defer stop()

	g, err := w.NewGroup("temps", "^temp-.*")
	require.NoError(t, err)

	waitReconciled(t, func() bool {
		return len(g.Members()) == 1
	})
	assert.ElementsMatch(t, []string{"temp-kitchen"}, g.Members())
}

func TestNewSeriesMatchesAgainstExistingGroups(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "groups.dat"))
	require.NoError(t, err)
	w := NewWorker(r)

	stop := runWorker(t, w)
	defer stop()

	g, err := w.NewGroup("temps", "^temp-.*")
	require.NoError(t, err)

	w.NewSeries("temp-attic")
	w.NewSeries("hum-attic") // must not match

	waitReconciled(t, func() bool {
		return len(g.Members()) == 1
	})
	assert.ElementsMatch(t, []string{"temp-attic"}, g.Members())
}

func TestStopTransitionsToClosedAndDoneFires(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "groups.dat"))
	require.NoError(t, err)
	w := NewWorker(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	waitReconciled(t, func() bool { return w.Status() == StatusRunning })

	w.Stop()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not close after Stop")
	}
	assert.Equal(t, StatusClosed, w.Status())
}
