package main

import (
	"fmt"

	"github.com/grandcat/zeroconf"
)

// discovery announces the status server over mDNS so monitoring tools can
// find it without configuration.
type discovery struct {
	name      string
	port      int
	txtRecord []string

	server *zeroconf.Server
}

func newDiscovery(name string, deviceID string, port int) *discovery {
	if name == "" {
		name = "pdphy"
	}

	return &discovery{
		name:      name,
		port:      port,
		txtRecord: []string{"deviceid=" + deviceID, "srcvers=1.0"},
	}
}

func (d *discovery) Start() error {
	d.Stop()

	server, err := zeroconf.Register(d.name, "_pdphy-status._tcp", "local.", d.port, d.txtRecord, nil)
	if err != nil {
		return fmt.Errorf("could not announce service: %v", err)
	}
	server.TTL(60)

	d.server = server
	return nil
}

func (d *discovery) Stop() {
	if d.server == nil {
		return
	}

	d.server.Shutdown()
	d.server = nil
}
