// Package pdsink implements the default sink-mode protocol state machine
// for the phy package. It configures the chip for automatic CC detection
// in sink mode, fixes the CC polarity once toggling settles, tracks VBUS
// attach/detach and the advertised host current, and drains received
// power-delivery messages into a bounded queue.
package pdsink

import (
	"fmt"

	"github.com/BertoldVdb/go-pdphy/phy"
	"github.com/sirupsen/logrus"
)

// Polarity is the CC line the port partner is connected on.
type Polarity int

const (
	PolarityNone Polarity = iota
	PolarityCC1
	PolarityCC2
)

func (p Polarity) String() string {
	switch p {
	case PolarityCC1:
		return "CC1"
	case PolarityCC2:
		return "CC2"
	}
	return "none"
}

// Current is the host current advertised by a non-PD source at 5V.
type Current int

const (
	CurrentNone Current = iota
	Current0A5
	Current1A5
	Current3A0
)

func (c Current) String() string {
	switch c {
	case Current0A5:
		return "0.5A"
	case Current1A5:
		return "1.5A"
	case Current3A0:
		return "3.0A"
	}
	return "unknown"
}

// Message is a received power-delivery message. GoodCRC messages are
// filtered out before queueing.
type Message struct {
	Header uint16
	Data   []uint32
}

// DataObjectCount returns the number of 32-bit data objects in the
// message.
func (m Message) DataObjectCount() int {
	return int(m.Header>>12) & 0x7
}

// IsData returns true for data messages, false for control messages.
func (m Message) IsData() bool {
	return m.DataObjectCount() > 0
}

// Type returns the message type field of the header.
func (m Message) Type() uint8 {
	return uint8(m.Header & 0x1F)
}

const typeGoodCRC = 0x01

const messageQueueSize = 16

// Policy is the sink-mode state machine. All methods except Status and
// NextMessage are invoked by the phy core with the chip lock held.
type Policy struct {
	log  *logrus.Entry
	chip *phy.Chip

	attached bool
	polarity Polarity
	current  Current

	msgs chan Message

	// OnAttach and OnDetach run from the dispatch worker when the port
	// partner state changes. Set them before the chip is attached.
	OnAttach func()
	OnDetach func()
}

// New creates a sink policy. The logger may be nil.
func New(log *logrus.Entry) *Policy {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}

	return &Policy{
		log:  log,
		msgs: make(chan Message, messageQueueSize),
	}
}

// Init resets the chip and configures automatic CC detection in sink
// mode. Called by the phy core during attach, before event delivery
// starts.
func (p *Policy) Init(chip *phy.Chip) error {
	p.chip = chip
	p.attached = false
	p.polarity = PolarityNone
	p.current = CurrentNone

	for {
		select {
		case <-p.msgs:
			continue
		default:
		}
		break
	}

	steps := []struct {
		reg   phy.Register
		value byte
	}{
		{phy.RegReset, phy.ResetSWReset},
		{phy.RegControl1, phy.Control1RxFlush},
		{phy.RegPower, phy.PowerAll},
		/* Enable toggling in sink mode */
		{phy.RegControl2, 0b101},
		{phy.RegControl3, phy.Control3AutoRetry},
		/* Unmask all interrupt sources */
		{phy.RegMask, 0x00},
		{phy.RegMaskA, 0x00},
		{phy.RegMaskB, 0x00},
	}

	for _, s := range steps {
		if err := chip.WriteByte(s.reg, s.value); err != nil {
			return err
		}
	}

	p.log.Debugf("Sink policy initialized")

	return nil
}

// ProcessEvent reads the status and interrupt block and handles whatever
// the chip latched since the last run. It is trigger-count agnostic: all
// pending conditions are re-derived from the registers each time.
func (p *Policy) ProcessEvent() error {
	var regs [7]byte
	if err := p.chip.RegisterRead(phy.RegStatus0A, regs[:]); err != nil {
		return err
	}

	status1a, intA, status0, intT := regs[1], regs[2], regs[4], regs[6]

	if intA&phy.InterruptATogDone != 0 {
		if err := p.toggleDone(status1a, status0); err != nil {
			return err
		}
	}

	if intT&phy.InterruptVBusOK != 0 {
		p.vbusChanged(status0&phy.Status0VBusOK != 0)
	}

	if intT&phy.InterruptCRCChk != 0 {
		if err := p.drainRx(); err != nil {
			return err
		}
	}

	return nil
}

// toggleDone fixes the CC polarity after autonomous toggling settled and
// records the host current advertised on the detected line.
func (p *Policy) toggleDone(status1a byte, status0 byte) error {
	switch status0 & phy.Status0BCLvlMask {
	case 1:
		p.current = Current0A5
	case 2:
		p.current = Current1A5
	case 3:
		p.current = Current3A0
	default:
		p.current = CurrentNone
	}

	var txEn, meas byte

	switch (status1a >> phy.Status1ATogSSPos) & phy.Status1ATogSSMask {
	case phy.Status1ATogSSSnk1:
		p.polarity = PolarityCC1
		txEn = phy.Switches1TxCC1En
		meas = phy.Switches0MeasCC1
	case phy.Status1ATogSSSnk2:
		p.polarity = PolarityCC2
		txEn = phy.Switches1TxCC2En
		meas = phy.Switches0MeasCC2
	default:
		return fmt.Errorf("invalid cc state after toggle")
	}

	/* Toggling is done, take manual control of the detected line */
	if err := p.chip.WriteByte(phy.RegControl2, 0); err != nil {
		return err
	}
	if err := p.chip.WriteByte(phy.RegSwitches1, phy.Switches1SpecRev1|phy.Switches1AutoGCRC|txEn); err != nil {
		return err
	}
	if err := p.chip.WriteByte(phy.RegSwitches0, meas|phy.Switches0CC1PdEn|phy.Switches0CC2PdEn); err != nil {
		return err
	}

	p.log.Infof("CC polarity settled: %v, host current %v", p.polarity, p.current)

	return nil
}

func (p *Policy) vbusChanged(present bool) {
	if present == p.attached {
		return
	}
	p.attached = present

	if present {
		p.log.Infof("Port partner attached")
		if p.OnAttach != nil {
			p.OnAttach()
		}
		return
	}

	p.polarity = PolarityNone
	p.current = CurrentNone

	p.log.Infof("Port partner detached")
	if p.OnDetach != nil {
		p.OnDetach()
	}
}

// drainRx reads all messages out of the receive FIFO. GoodCRC messages
// are discarded; anything else is queued, dropping when the queue is full.
func (p *Policy) drainRx() error {
	for {
		status1, err := p.chip.ReadByte(phy.RegStatus1)
		if err != nil {
			return err
		}
		if status1&phy.Status1RxEmpty != 0 {
			return nil
		}

		msg, err := p.rxOne()
		if err != nil {
			return err
		}

		if !msg.IsData() && msg.Type() == typeGoodCRC {
			continue
		}

		select {
		case p.msgs <- msg:
		default:
			p.log.Warnf("Message queue full, dropping message 0x%04x", msg.Header)
		}
	}
}

func (p *Policy) rxOne() (Message, error) {
	var msg Message

	/* Token byte plus the two header bytes */
	var head [3]byte
	if err := p.chip.RegisterRead(phy.RegFIFOs, head[:]); err != nil {
		return msg, err
	}
	msg.Header = uint16(head[2])<<8 | uint16(head[1])

	n := msg.DataObjectCount()

	/* Data objects plus the trailing CRC, which is discarded */
	buf := make([]byte, n*4+4)
	if err := p.chip.RegisterRead(phy.RegFIFOs, buf); err != nil {
		return msg, err
	}

	if n > 0 {
		msg.Data = make([]uint32, n)
		for i := 0; i < n; i++ {
			s := i * 4
			msg.Data[i] = uint32(buf[s]) | uint32(buf[s+1])<<8 | uint32(buf[s+2])<<16 | uint32(buf[s+3])<<24
		}
	}

	return msg, nil
}

// Shutdown powers the measurement blocks down. Called by the phy core
// after the dispatch worker has drained; errors are not actionable at
// that point and are only logged.
func (p *Policy) Shutdown() {
	if err := p.chip.WriteByte(phy.RegControl2, 0); err != nil {
		p.log.Warnf("Disabling toggle failed: %v", err)
	}
	if err := p.chip.WriteByte(phy.RegPower, 0x01); err != nil {
		p.log.Warnf("Powering down failed: %v", err)
	}

	p.log.Debugf("Sink policy shut down")
}

// NextMessage returns the oldest queued message, if any. Safe from any
// context.
func (p *Policy) NextMessage() (Message, bool) {
	select {
	case m := <-p.msgs:
		return m, true
	default:
		return Message{}, false
	}
}

// Status is a snapshot of the sink state for the control surface.
type Status struct {
	Attached    bool
	Polarity    string
	HostCurrent string
	Queued      int
}

// Status takes the chip lock, like every control-surface accessor, so the
// snapshot cannot interleave with a dispatch run.
func (p *Policy) Status() Status {
	var st Status

	if p.chip == nil {
		return st
	}

	p.chip.Locked(func() {
		st = Status{
			Attached:    p.attached,
			Polarity:    p.polarity.String(),
			HostCurrent: p.current.String(),
			Queued:      len(p.msgs),
		}
	})

	return st
}
