package mcp2221a

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeHID answers every command with a success response for it. Like the
// real device it can only hold one exchange at a time: a second command
// arriving before the previous response was read overwrites the pending
// command, so crossed exchanges surface as mismatched responses.
type fakeHID struct {
	mutex   sync.Mutex
	pending byte

	depth    int32
	maxDepth int32
}

func (f *fakeHID) Write(b []byte) (int, error) {
	d := atomic.AddInt32(&f.depth, 1)
	for {
		max := atomic.LoadInt32(&f.maxDepth)
		if d <= max || atomic.CompareAndSwapInt32(&f.maxDepth, max, d) {
			break
		}
	}

	f.mutex.Lock()
	f.pending = b[0]
	f.mutex.Unlock()

	/* Widen the window between command and response */
	time.Sleep(100 * time.Microsecond)

	return len(b), nil
}

func (f *fakeHID) Read(b []byte) (int, error) {
	f.mutex.Lock()
	cmd := f.pending
	f.mutex.Unlock()

	for i := range b {
		b[i] = 0
	}
	b[0] = cmd

	atomic.AddInt32(&f.depth, -1)

	return len(b), nil
}

func (f *fakeHID) Close() error {
	return nil
}

func TestConcurrentModuleAccess(t *testing.T) {
	fake := &fakeHID{}
	mcp := newFromHID(fake)

	var wg sync.WaitGroup
	var failures uint32

	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := mcp.IOC.Triggered(); err != nil {
				atomic.AddUint32(&failures, 1)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if err := mcp.I2C.Write(true, 0x22, []byte{0x01, 0x02, 0x03}); err != nil {
				atomic.AddUint32(&failures, 1)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := mcp.GPIO.Get(PinIOC); err != nil {
				atomic.AddUint32(&failures, 1)
			}
		}
	}()

	wg.Wait()

	if failures != 0 {
		t.Error("Exchanges failed under concurrent module access:", failures)
	}
	if max := atomic.LoadInt32(&fake.maxDepth); max != 1 {
		t.Error("Command/response exchanges interleaved, depth:", max)
	}
}

func TestConcurrentReads(t *testing.T) {
	fake := &fakeHID{}
	mcp := newFromHID(fake)

	/* Transfers hold the engine lock end to end, so the chunked read
	 * sequences of two goroutines must not interleave either. */
	var wg sync.WaitGroup
	var failures uint32

	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			buf := make([]byte, 7)
			for j := 0; j < 100; j++ {
				if err := mcp.I2C.Read(false, 0x22, buf); err != nil {
					atomic.AddUint32(&failures, 1)
				}
			}
		}()
	}

	wg.Wait()

	if failures != 0 {
		t.Error("Reads failed under concurrent access:", failures)
	}
	if max := atomic.LoadInt32(&fake.maxDepth); max != 1 {
		t.Error("Command/response exchanges interleaved, depth:", max)
	}
}
