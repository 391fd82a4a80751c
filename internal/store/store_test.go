package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// advance moves the current miniredis instance's clock forward. miniredis
// only expires keys when told how much time has passed, so sleeps in the
// tests below go through wait, which both sleeps and advances it.
var advance func(time.Duration)

func wait(d time.Duration) {
	time.Sleep(d)
	if advance != nil {
		advance(d)
	}
}

// newStores returns one Memory and one miniredis-backed Redis store so the
// contract tests below exercise both implementations identically.
func newStores(t *testing.T) map[string]Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	advance = mr.FastForward

	rs, err := NewRedis("redis://" + mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rs.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"redis":  rs,
	}
}

func TestBlockLifecycle(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			blocked, err := s.IsBlocked("1.2.3.4")
			if err != nil || blocked {
				t.Fatalf("expected unblocked, got blocked=%v err=%v", blocked, err)
			}

			if err := s.Block("1.2.3.4", "bad actor", 50*time.Millisecond); err != nil {
				t.Fatal(err)
			}
			blocked, err = s.IsBlocked("1.2.3.4")
			if err != nil || !blocked {
				t.Fatalf("expected blocked immediately after Block, got blocked=%v err=%v", blocked, err)
			}

			wait(80 * time.Millisecond)
			blocked, err = s.IsBlocked("1.2.3.4")
			if err != nil || blocked {
				t.Fatalf("expected expired block to be gone, got blocked=%v err=%v", blocked, err)
			}
		})
	}
}

func TestBlockPermanentAndUnblock(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Block("perm", "reason", 0); err != nil {
				t.Fatal(err)
			}
			blocked, _ := s.IsBlocked("perm")
			if !blocked {
				t.Fatal("expected permanent block to be active")
			}

			if err := s.Unblock("perm"); err != nil {
				t.Fatal(err)
			}
			blocked, _ = s.IsBlocked("perm")
			if blocked {
				t.Fatal("expected unblock to clear immediately")
			}
		})
	}
}

func TestGetAllBlocked(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.Block("a", "reason-a", 0)
			_ = s.Block("b", "reason-b", 0)

			all, err := s.GetAllBlocked()
			if err != nil {
				t.Fatal(err)
			}
			if all["a"] != "reason-a" || all["b"] != "reason-b" {
				t.Fatalf("unexpected snapshot: %#v", all)
			}
		})
	}
}

func TestIncrementCounter_StrictlyIncreasing(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for want := int64(1); want <= 5; want++ {
				got, err := s.IncrementCounter("k", time.Minute)
				if err != nil {
					t.Fatal(err)
				}
				if got != want {
					t.Fatalf("call %d: got %d, want %d", want, got, want)
				}
			}
		})
	}
}

func TestIncrementCounter_ResetsAfterWindow(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.IncrementCounter("w", 50*time.Millisecond)
			if err != nil || got != 1 {
				t.Fatalf("got %d err %v", got, err)
			}
			wait(80 * time.Millisecond)
			got, err = s.IncrementCounter("w", 50*time.Millisecond)
			if err != nil || got != 1 {
				t.Fatalf("expected counter to reset to 1 after window, got %d err %v", got, err)
			}
		})
	}
}

func TestGetCounter_ZeroWhenAbsent(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.GetCounter("never-touched")
			if err != nil || got != 0 {
				t.Fatalf("got %d err %v", got, err)
			}
		})
	}
}

func TestPutGet_TTLAndNoExpiry(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put("perm-kv", "v1", 0); err != nil {
				t.Fatal(err)
			}
			v, ok, err := s.Get("perm-kv")
			if err != nil || !ok || v != "v1" {
				t.Fatalf("got v=%q ok=%v err=%v", v, ok, err)
			}

			if err := s.Put("ttl-kv", "v2", 30*time.Millisecond); err != nil {
				t.Fatal(err)
			}
			wait(60 * time.Millisecond)
			_, ok, err = s.Get("ttl-kv")
			if err != nil || ok {
				t.Fatalf("expected ttl-kv to expire, ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestBlockAndKVDoNotCollide(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Block("shared-name", "blocked", 0); err != nil {
				t.Fatal(err)
			}
			if err := s.Put("shared-name", "kv-value", 0); err != nil {
				t.Fatal(err)
			}
			blocked, _ := s.IsBlocked("shared-name")
			v, ok, _ := s.Get("shared-name")
			if !blocked {
				t.Error("expected block to remain set")
			}
			if !ok || v != "kv-value" {
				t.Error("expected kv entry to remain readable under the same key name")
			}
		})
	}
}
