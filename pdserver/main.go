package main

import (
	"errors"
	"flag"
	"net/http"
	"sync"

	"github.com/BertoldVdb/go-misc/logrusconfig"
	"github.com/BertoldVdb/go-misc/multirun"
	"github.com/BertoldVdb/go-misc/multirunhttp"
	"github.com/BertoldVdb/go-pdphy/pdserver/api"
	"github.com/BertoldVdb/go-pdphy/pdsink"
	"github.com/BertoldVdb/go-pdphy/phy"
	"github.com/BertoldVdb/go-pdphy/phyopen"
	"github.com/sirupsen/logrus"
)

func main() {
	device := flag.String("device", "platform:/dev/i2c-1::0x22", "Device to attach, 'platform:<bus>:<intpin>:<addr>' or 'usb:<serial>:<addr>'")
	port := flag.Int("port", 8067, "Port for the status server")
	name := flag.String("name", "pdphy", "Service name announced over mDNS")
	announce := flag.Bool("announce", false, "Announce the status server over mDNS")
	logrusconfig.InitParam()

	flag.Parse()

	logger := logrusconfig.GetLogger(logrus.InfoLevel)

	var m multirun.MultiRun

	var chipMutex sync.Mutex
	var chip *phy.Chip

	getChip := func() *phy.Chip {
		chipMutex.Lock()
		defer chipMutex.Unlock()
		return chip
	}

	policy := pdsink.New(logger.WithField("prefix", "pdsink"))

	m.RegisterFunc(func() error {
		c, err := phyopen.Open(*device, policy, logger.WithField("prefix", "phy"))
		if err != nil {
			return err
		}

		chipMutex.Lock()
		chip = c
		chipMutex.Unlock()
		return nil
	}, func() error {
		if c := getChip(); c != nil {
			return c.Close()
		}
		return nil
	})

	http.Handle("/", api.New(getChip, policy))

	m.RegisterRunnable(&multirunhttp.MultiRunHTTP{
		Server:     &http.Server{},
		LoggerHTTP: logger.WithField("prefix", "http"),
		ListenPort: *port,
	})

	if *announce {
		var disc *discovery

		m.RegisterFunc(func() error {
			c := getChip()
			if c == nil {
				return errors.New("no device to announce")
			}

			disc = newDiscovery(*name, c.ID(), *port)
			return disc.Start()
		}, func() error {
			disc.Stop()
			return nil
		})
	}

	m.HandleSIGTERM()

	if err := m.Run(nil); err != nil && err != multirun.ErrorClosed {
		logger.Fatalln("Server stopped:", err)
	}
}
