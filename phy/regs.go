package phy

import "fmt"

// Register is an 8-bit register address of the FUSB302.
type Register uint8

// FUSB302 register map. Only the registers this driver and the default
// state machine touch are listed.
const (
	RegDeviceID   Register = 0x01
	RegSwitches0  Register = 0x02
	RegSwitches1  Register = 0x03
	RegMeasure    Register = 0x04
	RegSlice      Register = 0x05
	RegControl0   Register = 0x06
	RegControl1   Register = 0x07
	RegControl2   Register = 0x08
	RegControl3   Register = 0x09
	RegMask       Register = 0x0A
	RegPower      Register = 0x0B
	RegReset      Register = 0x0C
	RegOCPreg     Register = 0x0D
	RegMaskA      Register = 0x0E
	RegMaskB      Register = 0x0F
	RegStatus0A   Register = 0x3C
	RegStatus1A   Register = 0x3D
	RegInterruptA Register = 0x3E
	RegInterruptB Register = 0x3F
	RegStatus0    Register = 0x40
	RegStatus1    Register = 0x41
	RegInterrupt  Register = 0x42
	RegFIFOs      Register = 0x43
)

// Bit masks of the registers above.
const (
	Switches0MeasCC1 byte = 1 << 2
	Switches0MeasCC2 byte = 1 << 3
	Switches0CC1PdEn byte = 1 << 0
	Switches0CC2PdEn byte = 1 << 1

	Switches1TxCC1En  byte = 1 << 0
	Switches1TxCC2En  byte = 1 << 1
	Switches1AutoGCRC byte = 1 << 2
	Switches1SpecRev1 byte = 1 << 6

	Control1RxFlush byte = 1 << 2

	Control3AutoRetry     byte = 0b111
	Control3SendHardReset byte = 1 << 6

	PowerAll byte = 0x0F

	ResetSWReset byte = 1 << 0

	Status0ARxSoftReset byte = 1 << 1
	Status0ARxHardReset byte = 1 << 0

	Status1ATogSSPos  byte = 3
	Status1ATogSSMask byte = 0x7
	Status1ATogSSSnk1 byte = 0b101
	Status1ATogSSSnk2 byte = 0b110

	InterruptATogDone   byte = 1 << 6
	InterruptARetryFail byte = 1 << 4
	InterruptAHardSent  byte = 1 << 3
	InterruptATxSuccess byte = 1 << 2
	InterruptASoftReset byte = 1 << 1
	InterruptAHardReset byte = 1 << 0

	Status0BCLvlMask byte = 0b11
	Status0VBusOK    byte = 1 << 7

	Status1RxEmpty byte = 1 << 5

	InterruptVBusOK byte = 1 << 7
	InterruptCRCChk byte = 1 << 4
)

// Revision is the decoded identity of an attached chip.
type Revision struct {
	Version  byte
	Product  byte
	Revision byte
}

func (r Revision) String() string {
	return fmt.Sprintf("FUSB302 rev %c, product %d, revision %d", 'A'+rune(r.Version-0x8), r.Product, r.Revision)
}

// decodeDeviceID validates the Device ID register value. The FUSB302
// reports its version in the high nibble; revisions A, B and C are
// supported.
func decodeDeviceID(id byte) (Revision, bool) {
	version := id >> 4
	if version < 0x8 || version > 0xA {
		return Revision{}, false
	}

	return Revision{
		Version:  version,
		Product:  (id >> 2) & 0x3,
		Revision: id & 0x3,
	}, true
}
