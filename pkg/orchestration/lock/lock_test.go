package lock

import (
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestForReturnsSameMutexForSameKey(t *testing.T) {
	RegisterTestingT(t)

	r := NewRegistry()
	Expect(r.For("proj-a")).To(BeIdenticalTo(r.For("proj-a")))
}

func TestWithLockSerializesSameKey(t *testing.T) {
	RegisterTestingT(t)

	r := NewRegistry()
	var order []int
	var active, maxActive int
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = r.WithLock("proj-a", func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	Expect(order).To(HaveLen(5))
	Expect(maxActive).To(Equal(1))
}

func TestDifferentKeysDoNotShareMutex(t *testing.T) {
	RegisterTestingT(t)

	r := NewRegistry()
	Expect(r.For("proj-a")).NotTo(BeIdenticalTo(r.For("proj-b")))
}
