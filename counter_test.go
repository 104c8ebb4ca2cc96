package nbx

import (
	"math/bits"
	"sync"
	"testing"
	"unsafe"
)

func TestCounterStripeSize(t *testing.T) {
	size := unsafe.Sizeof(counterStripe{})
	t.Log("counterStripe size:", size)
	if size != CacheLineSize {
		t.Fatalf("counterStripe doesn't meet CacheLineSize: %d", size)
	}
}

func TestCounterStripeCount(t *testing.T) {
	c := newCounter()
	if n := len(c.stripes); n&(n-1) != 0 || n == 0 {
		t.Fatalf("stripe count %d is not a power of two", n)
	}
	if len(c.stripes) > maxCounterStripes {
		t.Fatalf("stripe count %d above bound", len(c.stripes))
	}
}

func TestCounterAddSum(t *testing.T) {
	c := newCounter()
	for i := uint32(0); i < 1000; i++ {
		c.add(i, 1)
	}
	if got := c.sum(); got != 1000 {
		t.Fatalf("sum: %d", got)
	}
	for i := uint32(0); i < 400; i++ {
		c.add(i, -1)
	}
	if got := c.sum(); got != 600 {
		t.Fatalf("sum after decrements: %d", got)
	}
}

func TestCounterConcurrentAdd(t *testing.T) {
	const (
		goroutines = 8
		perG       = 10_000
	)
	c := newCounter()
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				c.add(uint32(g*perG+i), 1)
			}
		}()
	}
	wg.Wait()
	if got := c.sum(); got != goroutines*perG {
		t.Fatalf("sum under concurrency: %d", got)
	}
}

func TestCounterAliasing(t *testing.T) {
	// The same counter object serves two tables; updates through either
	// are visible through both.
	c := newCounter()
	t1 := newTableOf[int, int](8, c, 0)
	t2 := newTableOf[int, int](16, c, 0)
	t1.size.add(0, 5)
	t2.size.add(3, 2)
	if got := t1.size.sum(); got != 7 {
		t.Fatalf("aliased sum via t1: %d", got)
	}
	if got := t2.size.sum(); got != 7 {
		t.Fatalf("aliased sum via t2: %d", got)
	}
}

func TestNextPowOf2(t *testing.T) {
	cases := map[int]int{
		0: 1, 1: 1, 2: 2, 3: 4, 4: 4, 5: 8, 63: 64, 64: 64, 65: 128,
	}
	for in, want := range cases {
		if got := nextPowOf2(in); got != want {
			t.Fatalf("nextPowOf2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestReprobeLimit(t *testing.T) {
	if got := reprobeLimit(1); got != 1 {
		t.Fatalf("reprobeLimit(1) = %d", got)
	}
	if got := reprobeLimit(4); got != 4 {
		t.Fatalf("reprobeLimit(4) = %d", got)
	}
	if got := reprobeLimit(1024); got != 1024>>5+5 {
		t.Fatalf("reprobeLimit(1024) = %d", got)
	}
	for _, c := range []int{1, 2, 8, 64, 4096} {
		if got := reprobeLimit(c); got > c {
			t.Fatalf("reprobeLimit(%d) = %d exceeds capacity", c, got)
		}
	}
}

func TestFold32(t *testing.T) {
	if got := fold32(0x12345678); got != 0x12345678 {
		t.Fatalf("low half mangled: %x", got)
	}
	if bits.UintSize == 64 {
		hi := uintptr(1)
		hi <<= 32
		if got := fold32(hi); got != 1 {
			t.Fatalf("high half lost: %x", got)
		}
	}
}
