package filters_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando/filtergate/filters"
	"github.com/zalando/filtergate/filters/filtertest"
)

func names(fs []filters.Filter) []string {
	var n []string
	for _, f := range fs {
		n = append(n, f.Name())
	}

	return n
}

func TestPutGetRemove(t *testing.T) {
	r := filters.NewRegistry()

	f1 := &filtertest.Filter{FilterName: "f1", FilterType: filters.Pre}
	f2 := &filtertest.Filter{FilterName: "f2", FilterType: filters.Post}
	f3 := &filtertest.Filter{FilterName: "f3", FilterType: filters.Route}
	r.Put(f1)
	r.Put(f2)
	r.Put(f3)

	for _, f := range []filters.Filter{f1, f2, f3} {
		got, ok := r.Get(f.Name())
		require.True(t, ok)
		assert.Same(t, f, got)
	}

	removed, ok := r.Remove("f2")
	assert.True(t, ok)
	assert.Same(t, f2, removed)

	_, ok = r.Get("f2")
	assert.False(t, ok)

	_, ok = r.Remove("f2")
	assert.False(t, ok)

	assert.Equal(t, []string{"f1", "f3"}, r.Names())
	assert.Equal(t, 2, r.Len())
}

func TestPutReplacesByName(t *testing.T) {
	r := filters.NewRegistry()
	old := &filtertest.Filter{FilterName: "auth", FilterType: filters.Pre, FilterOrder: 10}
	next := &filtertest.Filter{FilterName: "auth", FilterType: filters.Post, FilterOrder: 5}

	assert.Nil(t, r.Put(old))
	assert.Same(t, old, r.Put(next))

	got, _ := r.Get("auth")
	assert.Same(t, next, got)
	assert.Empty(t, r.Snapshot(filters.Pre))
	assert.Equal(t, []string{"auth"}, names(r.Snapshot(filters.Post)))
}

func TestSnapshotOrder(t *testing.T) {
	r := filters.NewRegistry()
	for _, f := range []*filtertest.Filter{
		{FilterName: "log", FilterType: filters.Pre, FilterOrder: 20},
		{FilterName: "zeta", FilterType: filters.Pre, FilterOrder: 10},
		{FilterName: "auth", FilterType: filters.Pre, FilterOrder: 10},
		{FilterName: "first", FilterType: filters.Pre, FilterOrder: -1},
		{FilterName: "route", FilterType: filters.Route, FilterOrder: 1},
	} {
		r.Put(f)
	}

	if d := cmp.Diff([]string{"first", "auth", "zeta", "log"}, names(r.Snapshot(filters.Pre))); d != "" {
		t.Errorf("unexpected order (-want +got):\n%s", d)
	}

	assert.Equal(t, []string{"route"}, names(r.Snapshot(filters.Route)))
	assert.Empty(t, r.Snapshot(filters.Error))
	assert.Empty(t, r.Snapshot("custom"))
}

func TestSnapshotIsPointInTime(t *testing.T) {
	r := filters.NewRegistry()
	r.Put(&filtertest.Filter{FilterName: "a", FilterType: filters.Pre})
	r.Put(&filtertest.Filter{FilterName: "b", FilterType: filters.Pre})

	before := r.Snapshot(filters.Pre)
	gen := r.Generation()

	r.Remove("a")
	r.Put(&filtertest.Filter{FilterName: "c", FilterType: filters.Pre})

	assert.Equal(t, []string{"a", "b"}, names(before))
	assert.Equal(t, []string{"b", "c"}, names(r.Snapshot(filters.Pre)))
	assert.Equal(t, gen+2, r.Generation())
}

// Every snapshot observes either the old or the new version of a
// filter, never both and never none.
func TestConcurrentReplace(t *testing.T) {
	r := filters.NewRegistry()
	r.Put(&filtertest.Filter{FilterName: "other", FilterType: filters.Pre, FilterOrder: 1})
	r.Put(&filtertest.Filter{FilterName: "hot", FilterType: filters.Pre, FilterOrder: 0})

	var (
		stop   atomic.Bool
		wg     sync.WaitGroup
		failed atomic.Value
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				s := r.Snapshot(filters.Pre)
				hot := 0
				for _, f := range s {
					if f.Name() == "hot" {
						hot++
					}
				}

				if hot != 1 || len(s) != 2 {
					failed.Store(fmt.Sprintf("unexpected snapshot: %v", names(s)))
					return
				}
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		r.Put(&filtertest.Filter{FilterName: "hot", FilterType: filters.Pre, FilterOrder: i % 3})
	}

	stop.Store(true)
	wg.Wait()
	if msg := failed.Load(); msg != nil {
		t.Fatal(msg)
	}
}
