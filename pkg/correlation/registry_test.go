package correlation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/morezero/http-transport/pkg/envelope"
)

func TestRegistry_RegisterInject(t *testing.T) {
	reg := NewRegistry()
	var calls int32
	var got *envelope.Response
	reg.Register("req-1", func(resp *envelope.Response) bool {
		atomic.AddInt32(&calls, 1)
		got = resp
		return true
	})

	resp := &envelope.Response{RequestID: "req-1", Action: "a", Status: 200}
	if !reg.Inject(resp) {
		t.Fatal("correlation:registry_test - expected first inject to resolve")
	}
	if calls != 1 {
		t.Errorf("correlation:registry_test - resolver called %d times, want 1", calls)
	}
	if got != resp {
		t.Error("correlation:registry_test - resolver received a different envelope")
	}
	if reg.Len() != 0 {
		t.Errorf("correlation:registry_test - Len = %d after resolution, want 0", reg.Len())
	}

	if reg.Inject(resp) {
		t.Error("correlation:registry_test - second inject must be a no-op")
	}
	if calls != 1 {
		t.Errorf("correlation:registry_test - resolver called %d times after second inject, want 1", calls)
	}
}

func TestRegistry_InjectUnknown(t *testing.T) {
	reg := NewRegistry()
	if reg.Inject(&envelope.Response{RequestID: "missing"}) {
		t.Error("correlation:registry_test - inject for unknown id must return false")
	}
	if reg.Inject(&envelope.Response{}) {
		t.Error("correlation:registry_test - inject without request id must return false")
	}
	if reg.Inject(nil) {
		t.Error("correlation:registry_test - inject(nil) must return false")
	}
}

func TestRegistry_ReRegisterOverwrites(t *testing.T) {
	reg := NewRegistry()
	var first, second int32
	reg.Register("dup", func(*envelope.Response) bool { atomic.AddInt32(&first, 1); return true })
	reg.Register("dup", func(*envelope.Response) bool { atomic.AddInt32(&second, 1); return true })

	if reg.Len() != 1 {
		t.Fatalf("correlation:registry_test - Len = %d, want 1", reg.Len())
	}
	reg.Inject(&envelope.Response{RequestID: "dup"})
	if first != 0 || second != 1 {
		t.Errorf("correlation:registry_test - first=%d second=%d, want 0 and 1", first, second)
	}
}

func TestRegistry_RemoveThenInjectIsNoOp(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register("req-t", func(*envelope.Response) bool { called = true; return true })

	if !reg.Remove("req-t") {
		t.Fatal("correlation:registry_test - expected Remove to report a registered entry")
	}
	if reg.Remove("req-t") {
		t.Error("correlation:registry_test - second Remove must report false")
	}
	if reg.Inject(&envelope.Response{RequestID: "req-t"}) || called {
		t.Error("correlation:registry_test - inject after purge must not resolve")
	}
}

func TestRegistry_IndependentIDs(t *testing.T) {
	reg := NewRegistry()
	var x, y int32
	reg.Register("X", func(*envelope.Response) bool { atomic.AddInt32(&x, 1); return true })
	reg.Register("Y", func(*envelope.Response) bool { atomic.AddInt32(&y, 1); return true })

	reg.Inject(&envelope.Response{RequestID: "X"})
	if x != 1 || y != 0 {
		t.Errorf("correlation:registry_test - x=%d y=%d, want 1 and 0", x, y)
	}
	if reg.Len() != 1 {
		t.Errorf("correlation:registry_test - Len = %d, want 1", reg.Len())
	}
}

func TestRegistry_ConcurrentInjectResolvesOnce(t *testing.T) {
	reg := NewRegistry()
	const ids = 50
	counts := make([]int32, ids)
	for i := 0; i < ids; i++ {
		i := i
		reg.Register(fmt.Sprintf("req-%d", i), func(*envelope.Response) bool { atomic.AddInt32(&counts[i], 1); return true })
	}

	var wg sync.WaitGroup
	for i := 0; i < ids; i++ {
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				reg.Inject(&envelope.Response{RequestID: fmt.Sprintf("req-%d", i)})
			}(i)
		}
	}
	wg.Wait()

	for i, c := range counts {
		if c != 1 {
			t.Errorf("correlation:registry_test - req-%d resolved %d times, want 1", i, c)
		}
	}
}

func TestRegistry_CancelOnlyRemovesOwnEntry(t *testing.T) {
	reg := NewRegistry()
	cancelFirst := reg.Register("same", func(*envelope.Response) bool { return true })
	cancelSecond := reg.Register("same", func(*envelope.Response) bool { return true })

	if cancelFirst() {
		t.Error("correlation:registry_test - stale cancel must not remove the newer entry")
	}
	if reg.Len() != 1 {
		t.Fatalf("correlation:registry_test - Len = %d, want 1", reg.Len())
	}
	if !cancelSecond() {
		t.Error("correlation:registry_test - owner cancel must remove its entry")
	}
	if cancelSecond() {
		t.Error("correlation:registry_test - second cancel must report false")
	}
}

func TestRegistry_InjectReportsRejection(t *testing.T) {
	reg := NewRegistry()
	reg.Register("late", func(*envelope.Response) bool { return false })

	if reg.Inject(&envelope.Response{RequestID: "late"}) {
		t.Error("correlation:registry_test - inject must report the resolver's refusal")
	}
	if reg.Len() != 0 {
		t.Errorf("correlation:registry_test - Len = %d, want 0", reg.Len())
	}
}
