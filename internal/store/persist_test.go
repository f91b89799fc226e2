package store

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersisterCoalescesBursts(t *testing.T) {
	var snapshots atomic.Int32
	path := filepath.Join(t.TempDir(), "data.json")
	p := newPersister(path, false, func() any {
		snapshots.Add(1)
		return map[string]string{"k": "v"}
	})
	p.debounce = 20 * time.Millisecond

	for i := 0; i < 10; i++ {
		p.markDirty()
	}
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), snapshots.Load(), "burst should fold into one write")
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestPersisterFlushIsSynchronous(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	p := newPersister(path, false, func() any { return []int{1, 2, 3} })

	p.markDirty()
	require.NoError(t, p.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[\n  1,\n  2,\n  3\n]\n", string(data))
}

func TestPersisterFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	p := newPersister(path, false, func() any { return struct{}{} })
	p.markDirty()
	require.NoError(t, p.Flush())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadJSONMissingFileStartsEmpty(t *testing.T) {
	var v map[string]string
	loadJSON(filepath.Join(t.TempDir(), "absent.json"), false, &v)
	assert.Nil(t, v)
}

func TestLazyLoaderSharesInFlightLoad(t *testing.T) {
	var loads atomic.Int32
	l := &lazyLoader{}
	l.load = func() {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.ensure()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load(), "concurrent callers share one load")
	l.ensure()
	assert.Equal(t, int32(1), loads.Load(), "later callers see the cached load")
}
