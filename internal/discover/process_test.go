package discover

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/localproxy/localproxy/internal/model"
)

type fakeProber struct {
	calls int32
	recs  []model.ProcessRecord
	err   error
}

func (f *fakeProber) Probe(ctx context.Context) ([]model.ProcessRecord, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.recs, nil
}

func TestProcessCacheRefreshesOnce(t *testing.T) {
	fp := &fakeProber{recs: []model.ProcessRecord{{Port: 3000}}}
	cache := NewProcessCache(fp, time.Hour, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background()); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&fp.calls); got != 1 {
		t.Fatalf("expected exactly 1 probe call, got %d", got)
	}
}

func TestProcessCacheExpiresAfterTTL(t *testing.T) {
	fp := &fakeProber{recs: []model.ProcessRecord{{Port: 3000}}}
	cache := NewProcessCache(fp, time.Millisecond, time.Second)

	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt32(&fp.calls); got != 2 {
		t.Fatalf("expected 2 probe calls after TTL expiry, got %d", got)
	}
}

func TestProcessCacheReturnsStaleDataOnFailure(t *testing.T) {
	fp := &fakeProber{recs: []model.ProcessRecord{{Port: 4000}}}
	cache := NewProcessCache(fp, time.Millisecond, time.Second)

	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	fp.err = errors.New("probe failed")
	got, err := cache.Get(context.Background())
	if err != nil {
		t.Fatalf("expected stale data, got error: %v", err)
	}
	if len(got) != 1 || got[0].Port != 4000 {
		t.Fatalf("expected stale data returned, got %+v", got)
	}
}

func TestProcessCacheSurfacesErrorWithNoPriorData(t *testing.T) {
	fp := &fakeProber{err: errors.New("probe failed")}
	cache := NewProcessCache(fp, time.Hour, time.Second)

	if _, err := cache.Get(context.Background()); err == nil {
		t.Fatalf("expected error with no prior data")
	}
}

func TestProcessCacheInvalidateForcesRefresh(t *testing.T) {
	fp := &fakeProber{recs: []model.ProcessRecord{{Port: 3000}}}
	cache := NewProcessCache(fp, time.Hour, time.Second)

	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	cache.Invalidate()
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt32(&fp.calls); got != 2 {
		t.Fatalf("expected invalidate to force a second probe, got %d calls", got)
	}
}
