package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	ns := "applicable"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, ns, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, ns, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, ns, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, ns, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, ns, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, ns, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		c := NewLRUCache(10)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, ns, "expiring", []byte("temp"), time.Second)

		if val, _ := c.Get(ctx, ns, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		clock = clock.Add(2 * time.Second)

		if val, _ := c.Get(ctx, ns, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
		if size, _ := c.Stats(); size != 0 {
			t.Errorf("expected expired entry to be removed, size %d", size)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, ns, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, ns, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, ns, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, ns, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, ns, "d", []byte("4"), time.Minute)

		if val, _ := smallCache.Get(ctx, ns, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := smallCache.Get(ctx, ns, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "applicable", "shared-key", []byte("applicable-value"), time.Minute)
		_ = cache.Set(ctx, "mandatory", "shared-key", []byte("mandatory-value"), time.Minute)

		val1, _ := cache.Get(ctx, "applicable", "shared-key")
		val2, _ := cache.Get(ctx, "mandatory", "shared-key")

		if string(val1) != "applicable-value" {
			t.Errorf("expected 'applicable-value', got '%s'", string(val1))
		}
		if string(val2) != "mandatory-value" {
			t.Errorf("expected 'mandatory-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresNamespace", func(t *testing.T) {
		if err := cache.Set(ctx, "", "key", []byte("value"), time.Minute); !errors.Is(err, ErrNamespaceRequired) {
			t.Errorf("expected ErrNamespaceRequired, got %v", err)
		}
		if _, err := cache.Get(ctx, "", "key"); !errors.Is(err, ErrNamespaceRequired) {
			t.Errorf("expected ErrNamespaceRequired, got %v", err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, ns, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, ns, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, ns, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}

		if val, _ := testCache.Get(ctx, ns, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	local := NewLRUCache(10)
	remote := NewLRUCache(10)
	c := NewTwoPhaseCache(local, remote, time.Minute)

	t.Run("WritesBothLevels", func(t *testing.T) {
		if err := c.Set(ctx, "ns", "k", []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if val, _ := local.Get(ctx, "ns", "k"); string(val) != "v" {
			t.Errorf("expected L1 value, got %q", val)
		}
		if val, _ := remote.Get(ctx, "ns", "k"); string(val) != "v" {
			t.Errorf("expected L2 value, got %q", val)
		}
	})

	t.Run("PopulatesL1OnL2Hit", func(t *testing.T) {
		_ = remote.Set(ctx, "ns", "only-remote", []byte("r"), time.Hour)

		val, err := c.Get(ctx, "ns", "only-remote")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "r" {
			t.Errorf("expected 'r', got %q", val)
		}
		if val, _ := local.Get(ctx, "ns", "only-remote"); string(val) != "r" {
			t.Error("expected L1 to be populated after L2 hit")
		}
	})

	t.Run("DeletePrefixBothLevels", func(t *testing.T) {
		_ = c.Set(ctx, "ns", "v1:a", []byte("1"), time.Hour)
		_ = c.Set(ctx, "ns", "v1:b", []byte("2"), time.Hour)
		_ = c.Set(ctx, "ns", "v2:a", []byte("3"), time.Hour)

		n, err := c.DeletePrefix(ctx, "ns", "v1:")
		if err != nil {
			t.Fatalf("DeletePrefix failed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 dropped, got %d", n)
		}
		for _, k := range []string{"v1:a", "v1:b"} {
			if val, _ := local.Get(ctx, "ns", k); val != nil {
				t.Errorf("expected %s gone from L1", k)
			}
			if val, _ := remote.Get(ctx, "ns", k); val != nil {
				t.Errorf("expected %s gone from L2", k)
			}
		}
		if val, _ := c.Get(ctx, "ns", "v2:a"); string(val) != "3" {
			t.Error("expected v2 entry to survive")
		}
	})

	t.Run("DeleteBothLevels", func(t *testing.T) {
		_ = c.Delete(ctx, "ns", "k")
		if val, _ := c.Get(ctx, "ns", "k"); val != nil {
			t.Error("expected nil after delete")
		}
	})
}

func TestEvaluationCache(t *testing.T) {
	ctx := context.Background()
	ec := NewEvaluationCache(NewLRUCache(10), time.Minute)
	profile := domain.BusinessProfile{"state": "KA", "annual_turnover": 5000000}

	key1, err := EvaluationKey("d1", profile)
	if err != nil {
		t.Fatalf("EvaluationKey failed: %v", err)
	}

	t.Run("KeyChangesWithDigest", func(t *testing.T) {
		key2, _ := EvaluationKey("d2", profile)
		if key1 == key2 {
			t.Error("expected different keys for different snapshot digests")
		}
	})

	t.Run("KeyRequiresDigest", func(t *testing.T) {
		if _, err := EvaluationKey("", profile); err == nil {
			t.Error("expected error for empty digest")
		}
	})

	t.Run("KeyStableForEqualProfiles", func(t *testing.T) {
		same := domain.BusinessProfile{"annual_turnover": 5000000, "state": "KA"}
		key, _ := EvaluationKey("d1", same)
		if key != key1 {
			t.Errorf("expected equal keys, got %s and %s", key, key1)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		rules := []*domain.ComplianceRule{{ID: "GST", Name: "GST Registration", Mandatory: true}}
		if err := ec.SetRules(ctx, "applicable", key1, rules); err != nil {
			t.Fatalf("SetRules failed: %v", err)
		}

		got, ok := ec.GetRules(ctx, "applicable", key1)
		if !ok {
			t.Fatal("expected cache hit")
		}
		if len(got) != 1 || got[0].ID != "GST" || !got[0].Mandatory {
			t.Errorf("unexpected cached rules: %+v", got)
		}
	})

	t.Run("DropSnapshot", func(t *testing.T) {
		key2, _ := EvaluationKey("d2", profile)
		rules := []*domain.ComplianceRule{{ID: "GST"}}
		_ = ec.SetRules(ctx, "applicable", key1, rules)
		_ = ec.SetRules(ctx, "mandatory", key1, rules)
		_ = ec.SetRules(ctx, "applicable", key2, rules)

		dropped, err := ec.DropSnapshot(ctx, []string{"applicable", "mandatory", "optional"}, "d1")
		if err != nil {
			t.Fatalf("DropSnapshot failed: %v", err)
		}
		if dropped != 2 {
			t.Errorf("expected 2 dropped entries, got %d", dropped)
		}
		if _, ok := ec.GetRules(ctx, "applicable", key1); ok {
			t.Error("expected d1 entry to be gone")
		}
		if _, ok := ec.GetRules(ctx, "applicable", key2); !ok {
			t.Error("expected d2 entry to survive")
		}
	})

	t.Run("NilCacheMisses", func(t *testing.T) {
		var nilCache *EvaluationCache
		if _, ok := nilCache.GetRules(ctx, "applicable", key1); ok {
			t.Error("expected miss from nil cache")
		}
		if err := nilCache.SetRules(ctx, "applicable", key1, nil); err != nil {
			t.Errorf("expected nil error from nil cache, got %v", err)
		}
	})
}

func TestRedisHelpers(t *testing.T) {
	t.Run("EscapeGlob", func(t *testing.T) {
		if got := escapeGlob("kestrel:ns:v1*[x]?"); got != `kestrel:ns:v1\*\[x\]\?` {
			t.Errorf("unexpected escape: %s", got)
		}
	})

	t.Run("OptionsFromURL", func(t *testing.T) {
		opts, err := redisOptions("redis://:secret@cache.internal:6380/2", "ignored", 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if opts.Addr != "cache.internal:6380" || opts.Password != "secret" || opts.DB != 2 {
			t.Errorf("unexpected options: %s %s %d", opts.Addr, opts.Password, opts.DB)
		}
	})

	t.Run("OptionsFromAddr", func(t *testing.T) {
		opts, err := redisOptions("", "pw", 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if opts.Addr != "localhost:6379" || opts.Password != "pw" || opts.DB != 1 {
			t.Errorf("unexpected options: %s %s %d", opts.Addr, opts.Password, opts.DB)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
