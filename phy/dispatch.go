package phy

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/BertoldVdb/go-misc/closeflag"
)

// dispatcher is the serial executor behind all event sources. Interrupt
// and timer producers only call Kick; a single worker goroutine runs the
// event-processing routine. The kick channel has capacity one, so any
// number of triggers arriving before the routine runs collapse into a
// single run. The routine re-derives all pending work from the chip
// registers, so only the trigger count is lost, never an event.
type dispatcher struct {
	process func()

	kick chan struct{}
	done chan struct{}

	closeflag closeflag.CloseFlag

	workerID uint64

	mutex   sync.Mutex
	started bool
}

/* The runtime does not expose goroutine identities, but the first line of
 * a stack trace reads "goroutine <id> [...]:" */
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	var id uint64
	for _, c := range buf[len("goroutine "):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}

	return id
}

func newDispatcher(process func()) *dispatcher {
	return &dispatcher{
		process: process,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Kick requests a run of the event-processing routine. It never blocks and
// is safe to call from any context, including after Stop.
func (d *dispatcher) Kick() {
	if d.closeflag.IsClosed() {
		return
	}

	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Start activates the worker. The dispatcher is created dormant so that no
// run can happen before the state machine and all event sources are fully
// initialized.
func (d *dispatcher) Start() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.started || d.closeflag.IsClosed() {
		return
	}
	d.started = true

	go d.run()
}

func (d *dispatcher) run() {
	atomic.StoreUint64(&d.workerID, goroutineID())
	defer close(d.done)

	for {
		select {
		case <-d.closeflag.Chan():
			return
		case <-d.kick:
		}

		/* A kick that raced with Stop is discarded */
		select {
		case <-d.closeflag.Chan():
			return
		default:
		}

		d.process()
	}
}

// Stop prevents further runs and waits for an in-flight run to complete.
// Pending kicks that never got a run are discarded. Safe to call multiple
// times, on a dispatcher that was never started, and from inside the
// event-processing routine itself.
func (d *dispatcher) Stop() {
	d.closeflag.Close()

	d.mutex.Lock()
	started := d.started
	d.mutex.Unlock()

	if !started {
		return
	}

	/* The routine may stop its own dispatcher, for example when the state
	 * machine detaches the chip. The worker cannot wait for its own exit;
	 * the closed flag already guarantees no further run. */
	if atomic.LoadUint64(&d.workerID) == goroutineID() {
		return
	}

	<-d.done
}
