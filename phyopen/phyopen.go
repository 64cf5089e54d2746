// Package phyopen attaches a PHY over the buses this project supports: a
// platform I2C controller with a GPIO interrupt line, or an MCP2221A USB
// bridge.
package phyopen

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BertoldVdb/go-pdphy/phy"
	"github.com/BertoldVdb/go-pdphy/phyopen/mcp2221a"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// periphTransport adapts a periph conn to the register transaction the phy
// package needs.
type periphTransport struct {
	dev       conn.Conn
	maxTxSize int
}

func (t *periphTransport) Tx(w, r []byte) error {
	return t.dev.Tx(w, r)
}

func (t *periphTransport) MaxTxSize() int {
	return t.maxTxSize
}

// periphPin adapts a periph GPIO input. The interrupt line is active low.
type periphPin struct {
	pin gpio.PinIn
}

func (p *periphPin) WaitForEdge(timeout time.Duration) bool {
	return p.pin.WaitForEdge(timeout)
}

func (p *periphPin) Read() bool {
	return p.pin.Read() == gpio.Low
}

func (p *periphPin) Halt() error {
	return p.pin.Halt()
}

// OpenPlatform attaches the chip at addr on the given platform I2C bus.
// With intPin empty the chip runs on the polling timer alone.
func OpenPlatform(busID string, addr uint16, intPin string, sm phy.StateMachine, logger *logrus.Entry) (*phy.Chip, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %v", err)
	}

	bus, err := i2creg.Open(busID)
	if err != nil {
		return nil, fmt.Errorf("could not open bus: %v", err)
	}

	dev := conn.Conn(&i2c.Dev{Bus: bus, Addr: addr})

	maxTxSize := 0
	switch l := dev.(type) {
	case conn.Limits:
		maxTxSize = l.MaxTxSize()
	}

	if maxTxSize == 0 {
		maxTxSize = 128
	}

	cfg := phy.Config{
		DeviceID:       fmt.Sprintf("%s/0x%02x", busID, addr),
		Transport:      &periphTransport{dev: dev, maxTxSize: maxTxSize},
		CloseTransport: bus.Close,
		StateMachine:   sm,
		Logger:         logger,
	}

	if intPin != "" {
		cfg.ConfigureGPIO = func() (phy.IRQPin, error) {
			pin := gpioreg.ByName(intPin)
			if pin == nil {
				return nil, errors.New("interrupt gpio not found")
			}

			if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
				return nil, err
			}

			return &periphPin{pin: pin}, nil
		}
	}

	chip, err := phy.Attach(cfg)
	if err != nil {
		bus.Close()
		return nil, err
	}

	return chip, nil
}

// bridgeTransport routes register transactions through the MCP2221A I2C
// engine. A write without read ends with a STOP; a write followed by a
// read keeps the bus claimed and continues with a repeated START.
type bridgeTransport struct {
	dev  *mcp2221a.MCP2221A
	addr uint8
}

func (t *bridgeTransport) Tx(w, r []byte) error {
	if len(w) > 0 {
		if err := t.dev.I2C.Write(len(r) == 0, t.addr, w); err != nil {
			return err
		}
	}

	if len(r) > 0 {
		return t.dev.I2C.Read(len(w) > 0, t.addr, r)
	}

	return nil
}

func (t *bridgeTransport) MaxTxSize() int {
	return 60
}

// bridgePin exposes the MCP2221A interrupt-on-change detector as an
// interrupt line. The bridge cannot block on the detector, so WaitForEdge
// polls the latched flag over USB.
type bridgePin struct {
	dev *mcp2221a.MCP2221A
}

const bridgePollInterval = 5 * time.Millisecond

func (p *bridgePin) WaitForEdge(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		triggered, err := p.dev.IOC.Triggered()
		if err == nil && triggered {
			p.dev.IOC.Clear()
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		time.Sleep(bridgePollInterval)
	}
}

func (p *bridgePin) Read() bool {
	value, err := p.dev.GPIO.Get(mcp2221a.PinIOC)
	if err != nil {
		return false
	}

	return value&1 == 0
}

func (p *bridgePin) Halt() error {
	return p.dev.IOC.SetConfig(mcp2221a.DisableIOC)
}

// OpenUSB attaches the chip at addr behind an MCP2221A bridge. With serial
// empty the first bridge found is used.
func OpenUSB(serial string, addr uint8, sm phy.StateMachine, logger *logrus.Entry) (*phy.Chip, error) {
	var dev *mcp2221a.MCP2221A

	for _, m := range mcp2221a.AttachedDevices(mcp2221a.VID, mcp2221a.PID) {
		if m.Serial == serial || serial == "" {
			hid, err := m.Open()
			if err != nil {
				return nil, err
			}

			dev, err = mcp2221a.NewFromDev(hid)
			if err != nil {
				return nil, err
			}
			break
		}
	}

	if dev == nil {
		return nil, errors.New("no bridge device found")
	}

	if err := dev.I2C.SetConfig(mcp2221a.I2CBaudRate); err != nil {
		dev.Close()
		return nil, fmt.Errorf("could not configure bridge: %v", err)
	}

	deviceID := fmt.Sprintf("usb:%s/0x%02x", serial, addr)

	cfg := phy.Config{
		DeviceID:       deviceID,
		Transport:      &bridgeTransport{dev: dev, addr: addr},
		CloseTransport: dev.Close,
		ConfigureGPIO: func() (phy.IRQPin, error) {
			if err := dev.IOC.SetConfig(mcp2221a.FallingEdge); err != nil {
				return nil, err
			}

			return &bridgePin{dev: dev}, nil
		},
		StateMachine: sm,
		Logger:       logger,
	}

	chip, err := phy.Attach(cfg)
	if err != nil {
		dev.Close()
		return nil, err
	}

	return chip, nil
}

func getPart(parts []string, index int, def string) string {
	if index >= len(parts) {
		return def
	}
	return parts[index]
}

// Open attaches a chip described by a path of the form
// "platform:<bus>:<intpin>:<addr>" or "usb:<serial>:<addr>".
func Open(path string, sm phy.StateMachine, logger *logrus.Entry) (*phy.Chip, error) {
	parts := strings.Split(path, ":")

	if parts[0] == "usb" {
		serial := getPart(parts, 1, "")
		i2cAddr, err := strconv.ParseUint(getPart(parts, 2, "0x22"), 0, 8)
		if err != nil {
			return nil, err
		}
		return OpenUSB(serial, uint8(i2cAddr), sm, logger)
	} else if parts[0] == "platform" {
		bus := getPart(parts, 1, "/dev/i2c-1")
		intPin := getPart(parts, 2, "")
		i2cAddr, err := strconv.ParseUint(getPart(parts, 3, "0x22"), 0, 16)
		if err != nil {
			return nil, err
		}
		return OpenPlatform(bus, uint16(i2cAddr), intPin, sm, logger)
	}

	return nil, errors.New("device type not supported, use 'usb' or 'platform'")
}
