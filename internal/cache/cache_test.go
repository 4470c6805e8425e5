package cache

import (
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		AggregateCacheSizeMB: 16,
		AggregateTTL:         time.Minute,
		ResultCacheSize:      10,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAggregateCache(t *testing.T) {
	m := newTestManager(t)

	key := AggregateKey("ds1", "counts", "sum")
	if _, ok := m.GetAggregate(key); ok {
		t.Error("Expected cache miss for new key")
	}

	data := []byte("serialized aggregate")
	if err := m.SetAggregate(key, data); err != nil {
		t.Fatalf("SetAggregate failed: %v", err)
	}
	got, ok := m.GetAggregate(key)
	if !ok || string(got) != string(data) {
		t.Errorf("GetAggregate = %q, %v", got, ok)
	}
}

func TestResultCache(t *testing.T) {
	m := newTestManager(t)

	key := ResultKey("job1", "k1", "p_adj_loc", 0, 100, nil)
	if _, ok := m.GetResult(key); ok {
		t.Error("Expected cache miss for new key")
	}
	m.SetResult(key, []byte(`{"rows":[]}`))
	got, ok := m.GetResult(key)
	if !ok || string(got) != `{"rows":[]}` {
		t.Errorf("GetResult = %q, %v", got, ok)
	}
}

func TestResultCacheEviction(t *testing.T) {
	m := newTestManager(t)

	// Capacity is 10; the oldest entry is evicted on overflow.
	for i := 0; i < 11; i++ {
		m.SetResult(ResultKey("job1", "", "", i, 100, nil), []byte("page"))
	}
	if _, ok := m.GetResult(ResultKey("job1", "", "", 0, 100, nil)); ok {
		t.Error("Oldest entry should have been evicted")
	}
	if _, ok := m.GetResult(ResultKey("job1", "", "", 10, 100, nil)); !ok {
		t.Error("Newest entry should be present")
	}
}

func TestKeyGeneration(t *testing.T) {
	if AggregateKey("ds1", "counts", "sum") == AggregateKey("ds1", "counts", "mean") {
		t.Error("Different reducers must give different keys")
	}
	a := ResultKey("j", "k", "o", 0, 10, []string{"x=1", "y=2"})
	b := ResultKey("j", "k", "o", 0, 10, []string{"y=2", "x=1"})
	if a != b {
		t.Error("Extra options should be order-independent")
	}
	c := ResultKey("j", "k", "o", 0, 10, []string{"x=2"})
	if a == c {
		t.Error("Different extras must give different keys")
	}
}

func TestStats(t *testing.T) {
	m := newTestManager(t)
	m.SetResult("k", []byte("v"))
	stats := m.Stats()
	if stats["result_cache_len"] != 1 {
		t.Errorf("Stats = %v", stats)
	}
}
