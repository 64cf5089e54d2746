// Package mcp2221a drives the Microchip MCP2221A USB to I²C/GPIO protocol
// converter as far as this project needs it: the I²C engine, the GPIO
// module and the interrupt-on-change detector. The device enumerates as a
// USB HID-class device; all communication happens through 64-byte HID
// report messages.
//
// Datasheet: http://ww1.microchip.com/downloads/en/devicedoc/20005565b.pdf
package mcp2221a

// Derived from https://github.com/ardnew/mcp2221a
// MIT License
//
// Copyright (c) 2020 ardnew
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

import (
	"fmt"
	"sync"
	"time"

	usb "github.com/karalabe/hid"
)

// VID and PID are the official vendor and product identifiers assigned by
// the USB-IF.
const (
	VID = 0x04D8
	PID = 0x00DD
)

// MsgSz is the size (in bytes) of all command and response messages.
const MsgSz = 64

// ClkHz is the internal clock frequency of the MCP2221A.
const ClkHz = 12000000

// WordSet and WordClr are the logical true and false values for a single
// word (byte) in a message.
const (
	WordSet byte = 0xFF
	WordClr byte = 0x00
)

// Recognized command bytes. They are sent as the first word of a command
// message and echoed back as the first word of the response.
const (
	cmdStatus    byte = 0x10
	cmdSetParams byte = 0x10

	cmdI2CWrite       byte = 0x90
	cmdI2CWriteNoStop byte = 0x94
	cmdI2CRead        byte = 0x91
	cmdI2CReadRep     byte = 0x93
	cmdI2CReadGetData byte = 0x40

	cmdGPIOSet byte = 0x50
	cmdGPIOGet byte = 0x51

	cmdSRAMSet byte = 0x60
	cmdSRAMGet byte = 0x61
)

// GPIOMode and GPIODir are the configuration parameters of the general
// purpose pins.
type (
	GPIOMode byte
	GPIODir  byte
)

const (
	ModeGPIO      GPIOMode = 0x00
	ModeInterrupt GPIOMode = 0x04 // alternate function of GP1 only
	ModeInvalid   GPIOMode = 0xEE

	DirOutput GPIODir = 0x00
	DirInput  GPIODir = 0x01
)

// PinIOC is the only pin with the interrupt-on-change alternate function.
const PinIOC byte = 1

// GPPinCount is the number of GPIO pins available.
const GPPinCount = 4

// IOCEdge selects which edges the interrupt-on-change detector reports.
type IOCEdge byte

const (
	DisableIOC        IOCEdge = 0x00
	RisingEdge        IOCEdge = 0x01
	FallingEdge       IOCEdge = 0x02
	RisingFallingEdge IOCEdge = 0x03
)

func makeMsg() []byte { return make([]byte, MsgSz) }

// hidDevice is the part of the USB HID connection this package uses.
type hidDevice interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// MCP2221A is the handle to one converter. The GPIO, IOC and I2C fields
// expose the on-chip modules; they may be driven from different
// goroutines.
type MCP2221A struct {
	Device *usb.Device

	dev hidDevice

	/* Serializes one command/response exchange on the HID handle */
	cmdMutex sync.Mutex

	/* Serializes a complete I²C transfer, which spans multiple exchanges */
	i2cMutex sync.Mutex

	GPIO *GPIO
	IOC  *IOC
	I2C  *I2C
}

// AttachedDevices returns the USB HID descriptors of all connected
// converters matching the given VID and PID.
func AttachedDevices(vid uint16, pid uint16) []usb.DeviceInfo {
	var info []usb.DeviceInfo

	for _, i := range usb.Enumerate(vid, pid) {
		info = append(info, i)
	}

	return info
}

func newFromHID(dev hidDevice) *MCP2221A {
	mcp := &MCP2221A{dev: dev}
	mcp.GPIO, mcp.IOC, mcp.I2C = &GPIO{mcp}, &IOC{mcp}, &I2C{mcp}

	return mcp
}

// NewFromDev wraps an already opened HID device.
func NewFromDev(dev *usb.Device) (*MCP2221A, error) {
	if dev == nil {
		return nil, fmt.Errorf("nil USB HID device")
	}

	mcp := newFromHID(dev)
	mcp.Device = dev

	return mcp, nil
}

// Close closes the USB HID connection.
func (mcp *MCP2221A) Close() error {
	if mcp == nil || mcp.dev == nil {
		return fmt.Errorf("nil USB HID device")
	}

	return mcp.dev.Close()
}

// send transmits one command message and returns the response message. The
// command and its response form one indivisible exchange: a concurrent
// exchange from another module would consume the wrong response.
func (mcp *MCP2221A) send(cmd byte, data []byte) ([]byte, error) {
	if mcp == nil || mcp.dev == nil {
		return nil, fmt.Errorf("nil USB HID device")
	}

	mcp.cmdMutex.Lock()
	defer mcp.cmdMutex.Unlock()

	data[0] = cmd
	if _, err := mcp.dev.Write(data); err != nil {
		return nil, fmt.Errorf("Write([cmd=0x%02X]): %v", cmd, err)
	}

	rsp := makeMsg()
	recv, err := mcp.dev.Read(rsp)
	if err != nil {
		return nil, fmt.Errorf("Read([cmd=0x%02X]): %v", cmd, err)
	}
	if recv < MsgSz {
		return rsp, fmt.Errorf("Read([cmd=0x%02X]): short read (%d of %d bytes)", cmd, recv, MsgSz)
	}
	if rsp[0] != cmd || rsp[1] != WordClr {
		return rsp, fmt.Errorf("Read([cmd=0x%02X]): command failed", cmd)
	}

	return rsp, nil
}

// status fields used by this project, parsed from the status response.
type status struct {
	i2cState  byte
	interrupt byte
}

func (mcp *MCP2221A) status() (*status, error) {
	cmd := makeMsg()

	rsp, err := mcp.send(cmdStatus, cmd)
	if err != nil {
		return nil, fmt.Errorf("send(): %v", err)
	}

	return &status{
		i2cState:  rsp[8],
		interrupt: rsp[24],
	}, nil
}

// sramRange reads the byte range [start, stop] from the SRAM settings
// response.
func (mcp *MCP2221A) sramRange(start byte, stop byte) ([]byte, error) {
	if start > stop || stop >= MsgSz {
		return nil, fmt.Errorf("invalid SRAM range [%d, %d]", start, stop)
	}

	cmd := makeMsg()

	rsp, err := mcp.send(cmdSRAMGet, cmd)
	if err != nil {
		return nil, fmt.Errorf("send(): %v", err)
	}

	return rsp[start : stop+1], nil
}

// -----------------------------------------------------------------------------
// -- GPIO ---------------------------------------------------------------------

// GPIO contains the methods associated with the GPIO module.
type GPIO struct {
	*MCP2221A
}

// SetConfig configures a pin's default output value, operation mode and
// direction in SRAM.
func (mod *GPIO) SetConfig(pin byte, val byte, mode GPIOMode, dir GPIODir) error {
	if pin >= GPPinCount {
		return fmt.Errorf("invalid GPIO pin: %d", pin)
	}

	cur, err := mod.sramRange(22, 25)
	if err != nil {
		return fmt.Errorf("sramRange(): %v", err)
	}

	cmd := makeMsg()
	cmd[7] = WordSet // alter GP designation
	copy(cmd[8:], cur)
	cmd[8+pin] = (val << 4) | (byte(dir) << 3) | byte(mode)

	if _, err := mod.send(cmdSRAMSet, cmd); err != nil {
		return fmt.Errorf("send(): %v", err)
	}

	return nil
}

// Get returns the current digital value of a pin.
func (mod *GPIO) Get(pin byte) (byte, error) {
	if pin >= GPPinCount {
		return WordClr, fmt.Errorf("invalid GPIO pin: %d", pin)
	}

	cmd := makeMsg()

	rsp, err := mod.send(cmdGPIOGet, cmd)
	if err != nil {
		return WordClr, fmt.Errorf("send(): %v", err)
	}

	i := 2 + 2*pin
	if byte(ModeInvalid) == rsp[i] {
		return WordClr, fmt.Errorf("pin not in GPIO mode: %d", pin)
	}

	return rsp[i], nil
}

// -----------------------------------------------------------------------------
// -- IOC ----------------------------------------------------------------------

// IOC contains the methods associated with the interrupt-on-change
// detector. The detector is tied to pin GP1.
type IOC struct {
	*MCP2221A
}

// SetConfig puts GP1 into interrupt detection mode for the given edge and
// clears the current interrupt flag. DisableIOC turns detection off.
func (mod *IOC) SetConfig(edge IOCEdge) error {
	if edge > RisingFallingEdge {
		return fmt.Errorf("invalid interrupt detection edge: %d", edge)
	}

	if err := mod.GPIO.SetConfig(PinIOC, WordClr, ModeInterrupt, DirInput); err != nil {
		return fmt.Errorf("GPIO.SetConfig(): %v", err)
	}

	cmd := makeMsg()
	cmd[6] = 1 << 7 // alter interrupt detection

	if DisableIOC == edge {
		cmd[6] |= 1 // clear detection only
	} else {
		cmd[6] |= (1 << 4) | (1 << 2) // alter both edge enables
		if RisingEdge&edge > 0 {
			cmd[6] |= 1 << 3
		}
		if FallingEdge&edge > 0 {
			cmd[6] |= 1 << 1
		}
	}

	if _, err := mod.send(cmdSRAMSet, cmd); err != nil {
		return fmt.Errorf("send(): %v", err)
	}

	return mod.Clear()
}

// Triggered reports whether an edge was detected since the last Clear.
func (mod *IOC) Triggered() (bool, error) {
	stat, err := mod.status()
	if err != nil {
		return false, fmt.Errorf("status(): %v", err)
	}

	return stat.interrupt != 0, nil
}

// Clear resets the interrupt detection flag.
func (mod *IOC) Clear() error {
	cmd := makeMsg()
	cmd[24] = WordClr

	if _, err := mod.send(cmdSetParams, cmd); err != nil {
		return fmt.Errorf("send(): %v", err)
	}

	return nil
}

// -----------------------------------------------------------------------------
// -- I²C ----------------------------------------------------------------------

// I2C contains the methods associated with the I²C engine.
type I2C struct {
	*MCP2221A
}

// Constants associated with the I²C module.
const (
	I2CBaudRate = 400000 // baud rate used for the PHY
	I2CMinAddr  = 0x08
	I2CMaxAddr  = 0x77
)

const (
	i2cReadMax  = 60 // largest single read chunk
	i2cWriteMax = 60 // largest single write chunk

	i2cStateStartTimeout    byte = 0x12
	i2cStateRepStartTimeout byte = 0x17
	i2cStateStopTimeout     byte = 0x62

	i2cStateAddrTimeout byte = 0x23
	i2cStateAddrNACK    byte = 0x25

	i2cStatePartialData   byte = 0x41
	i2cStateWriteTimeout  byte = 0x44
	i2cStateWritingNoStop byte = 0x45
	i2cStateReadTimeout   byte = 0x52
	i2cStateReadPartial   byte = 0x54
	i2cStateReadComplete  byte = 0x55

	i2cStateReadError byte = 0x7F

	i2cRetry = 50
)

func i2cStateNACK(state byte) bool {
	return state == i2cStateAddrNACK
}

func i2cStateTimeout(state byte) bool {
	return state == i2cStateStartTimeout ||
		state == i2cStateRepStartTimeout ||
		state == i2cStateStopTimeout ||
		state == i2cStateReadTimeout ||
		state == i2cStateWriteTimeout ||
		state == i2cStateAddrTimeout
}

// SetConfig sets the bus clock divider for the given baud rate.
func (mod *I2C) SetConfig(baud uint32) error {
	if baud > ClkHz/3 || baud < ClkHz/258 {
		return fmt.Errorf("invalid baud rate: %d", baud)
	}

	mod.i2cMutex.Lock()
	defer mod.i2cMutex.Unlock()

	cmd := makeMsg()
	cmd[3] = 0x20
	cmd[4] = byte(ClkHz/baud - 3)

	rsp, err := mod.send(cmdSetParams, cmd)
	if err != nil {
		return fmt.Errorf("send(): %v", err)
	}
	if rsp[3] == 0x21 {
		return fmt.Errorf("transfer in progress")
	}

	return nil
}

// Cancel aborts an ongoing transfer.
func (mod *I2C) Cancel() error {
	mod.i2cMutex.Lock()
	defer mod.i2cMutex.Unlock()

	return mod.cancel()
}

func (mod *I2C) cancel() error {
	cmd := makeMsg()
	cmd[2] = 0x10

	rsp, err := mod.send(cmdSetParams, cmd)
	if err != nil {
		return fmt.Errorf("send(): %v", err)
	}
	if rsp[2] == 0x10 {
		time.Sleep(300 * time.Microsecond)
	}

	return nil
}

// Write writes out to the bus address addr. With stop true a STOP
// condition ends the transfer; otherwise the bus stays claimed for a
// following repeated-START read.
func (mod *I2C) Write(stop bool, addr uint8, out []byte) error {
	cnt := uint16(len(out))
	if cnt == 0 {
		return nil
	}

	mod.i2cMutex.Lock()
	defer mod.i2cMutex.Unlock()

	stat, err := mod.status()
	if err != nil {
		return fmt.Errorf("status(): %v", err)
	}
	if stat.i2cState != WordClr {
		if err := mod.cancel(); err != nil {
			return fmt.Errorf("cancel(): %v", err)
		}
	}

	cmdID := cmdI2CWrite
	if !stop {
		cmdID = cmdI2CWriteNoStop
	}

	pos := uint16(0)
	for pos < cnt {
		sz := cnt - pos
		if sz > i2cWriteMax {
			sz = i2cWriteMax
		}

		cmd := makeMsg()
		cmd[1] = byte(cnt & 0xFF)
		cmd[2] = byte(cnt >> 8)
		cmd[3] = addr << 1
		copy(cmd[4:], out[pos:pos+sz])

		retry := 0
		for {
			retry++
			if retry > i2cRetry {
				return fmt.Errorf("too many retries")
			}

			rsp, err := mod.send(cmdID, cmd)
			if err != nil {
				if rsp != nil {
					if i2cStateNACK(rsp[2]) {
						return fmt.Errorf("I²C NACK from address (0x%02X)", addr)
					}
					if i2cStateTimeout(rsp[2]) {
						return fmt.Errorf("I²C write timed out")
					}
					time.Sleep(300 * time.Microsecond)
					continue
				}
				return fmt.Errorf("send(): %v", err)
			}

			for {
				stat, err := mod.status()
				if err != nil || stat.i2cState != i2cStatePartialData {
					break
				}
				time.Sleep(300 * time.Microsecond)
			}

			pos += sz
			break
		}
	}

	/* Wait for the engine to go idle (or to hold the bus when no STOP
	 * was requested) */
	for retry := 0; retry < i2cRetry; retry++ {
		stat, err := mod.status()
		if err != nil {
			return fmt.Errorf("status(): %v", err)
		}
		if stat.i2cState == WordClr {
			break
		}
		if cmdID == cmdI2CWriteNoStop && stat.i2cState == i2cStateWritingNoStop {
			break
		}
		if i2cStateNACK(stat.i2cState) {
			return fmt.Errorf("I²C NACK from address (0x%02X)", addr)
		}
		if i2cStateTimeout(stat.i2cState) {
			return fmt.Errorf("I²C write timed out")
		}
		time.Sleep(300 * time.Microsecond)
	}

	return nil
}

// Read reads len(in) bytes from the bus address addr. With rep true a
// repeated-START condition continues a transfer started by a Write
// without STOP.
func (mod *I2C) Read(rep bool, addr uint8, in []byte) error {
	cnt := uint16(len(in))
	if cnt == 0 {
		return nil
	}

	mod.i2cMutex.Lock()
	defer mod.i2cMutex.Unlock()

	stat, err := mod.status()
	if err != nil {
		return fmt.Errorf("status(): %v", err)
	}
	if stat.i2cState != WordClr && stat.i2cState != i2cStateWritingNoStop {
		if err := mod.cancel(); err != nil {
			return fmt.Errorf("cancel(): %v", err)
		}
	}

	cmd := makeMsg()
	cmd[1] = byte(cnt & 0xFF)
	cmd[2] = byte(cnt >> 8)
	cmd[3] = (addr << 1) | 0x01

	cmdID := cmdI2CRead
	if rep {
		cmdID = cmdI2CReadRep
	}

	if _, err := mod.send(cmdID, cmd); err != nil {
		return fmt.Errorf("send(): %v", err)
	}

	pos := uint16(0)
	for pos < cnt {
		var rsp []byte

		retry := 0
		for {
			retry++
			if retry > i2cRetry {
				return fmt.Errorf("too many retries")
			}

			cmd := makeMsg()
			rsp, err = mod.send(cmdI2CReadGetData, cmd)
			if err != nil {
				return fmt.Errorf("send(): %v", err)
			}

			if rsp[1] == i2cStatePartialData || rsp[3] == i2cStateReadError {
				time.Sleep(300 * time.Microsecond)
				continue
			}
			if i2cStateNACK(rsp[2]) {
				return fmt.Errorf("I²C NACK from address (0x%02X)", addr)
			}
			if rsp[2] == WordClr && rsp[3] == 0 {
				break
			}
			if rsp[2] == i2cStateReadPartial || rsp[2] == i2cStateReadComplete {
				break
			}
		}

		sz := cnt - pos
		if sz > i2cReadMax {
			sz = i2cReadMax
		}
		copy(in[pos:], rsp[4:4+sz])
		pos += sz
	}

	return nil
}
