package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterLifecycle(t *testing.T) {
	r := NewRegistry()
	c := r.Counter(TransientMem)
	assert.Same(t, c, r.Counter(TransientMem))
	assert.Equal(t, TransientMem, c.Name())

	c.Set(4096)
	assert.Equal(t, int64(4100), c.Add(4))
	assert.Equal(t, Snapshot{TransientMem: 4100}, r.Snapshot())
}

func TestConcurrentAdd(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				r.Counter(FrameSubmissions).Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(800), r.Counter(FrameSubmissions).Value())
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{"b": 2, "a": 1}
	assert.Equal(t, "a: 1\nb: 2\n", s.String())
}
