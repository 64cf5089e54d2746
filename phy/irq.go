package phy

import (
	"sync"
	"time"

	"github.com/BertoldVdb/go-misc/closeflag"
	"github.com/sirupsen/logrus"
)

// edgeWaitSlice bounds each WaitForEdge call so the watcher notices a stop
// request without needing to interrupt the pin driver.
const edgeWaitSlice = 100 * time.Millisecond

// irqBridge turns interrupt line activity into dispatch kicks. The watch
// goroutine is the only code running in "interrupt context": it never
// blocks on chip state and never takes the chip lock, it only kicks the
// dispatcher. stop is synchronous: once it returns the goroutine has
// exited and no further kick can originate here.
type irqBridge struct {
	pin  IRQPin
	kick func()
	log  *logrus.Entry

	closeflag closeflag.CloseFlag
	done      chan struct{}

	mutex   sync.Mutex
	started bool
}

func newIRQBridge(pin IRQPin, kick func(), log *logrus.Entry) *irqBridge {
	return &irqBridge{
		pin:  pin,
		kick: kick,
		log:  log,
		done: make(chan struct{}),
	}
}

// start begins watching the line. Like the dispatcher, the bridge is
// created dormant and started only once the chip is fully initialized, so
// the first interrupt cannot race attach.
func (b *irqBridge) start() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.started || b.closeflag.IsClosed() {
		return
	}
	b.started = true

	go b.watch()
}

func (b *irqBridge) watch() {
	defer close(b.done)

	for {
		select {
		case <-b.closeflag.Chan():
			return
		default:
		}

		if b.pin.WaitForEdge(edgeWaitSlice) {
			b.kick()
			continue
		}

		/* Level re-check: an edge that fired while the previous run was
		 * still executing is latched by the chip, not by us. */
		if b.pin.Read() {
			b.kick()
		}
	}
}

func (b *irqBridge) stop() {
	b.closeflag.Close()

	b.mutex.Lock()
	started := b.started
	b.mutex.Unlock()

	if started {
		<-b.done
	}
}
