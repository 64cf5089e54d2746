// Package api exposes the status and control surface of an attached PHY
// over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/BertoldVdb/go-pdphy/pdsink"
	"github.com/BertoldVdb/go-pdphy/phy"
)

type API struct {
	mux *http.ServeMux

	chip   func() *phy.Chip
	policy *pdsink.Policy
}

const ctJSON string = "application/json"

// New creates the control surface. The chip callback may return nil while
// no device is attached; every handler copes with that.
func New(chip func() *phy.Chip, policy *pdsink.Policy) *API {
	mux := &http.ServeMux{}

	s := &API{
		mux:    mux,
		chip:   chip,
		policy: policy,
	}

	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/dispatch", s.dispatchHandler)
	mux.HandleFunc("/register", s.registerHandler)
	mux.HandleFunc("/message", s.messageHandler)
	mux.HandleFunc("/detach", s.detachHandler)

	return s
}

func sendJSON(w http.ResponseWriter, value interface{}) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ctJSON)
	w.Write(data)
}

func (s *API) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}

	var response struct {
		Chip     *phy.Status `json:",omitempty"`
		Sink     *pdsink.Status
		Attached []string
	}

	if chip := s.chip(); chip != nil {
		st := chip.Status()
		response.Chip = &st
	}
	if s.policy != nil {
		st := s.policy.Status()
		response.Sink = &st
	}
	response.Attached = phy.AttachedDevices()

	sendJSON(w, &response)
}

func (s *API) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}

	chip := s.chip()
	if chip == nil {
		http.Error(w, "No device attached", http.StatusServiceUnavailable)
		return
	}

	chip.Dispatch()
	w.WriteHeader(http.StatusNoContent)
}

// registerHandler reads (GET) or writes (POST) a single chip register. The
// access takes the chip lock so it cannot interleave with event
// processing.
func (s *API) registerHandler(w http.ResponseWriter, r *http.Request) {
	chip := s.chip()
	if chip == nil {
		http.Error(w, "No device attached", http.StatusServiceUnavailable)
		return
	}

	reg, err := strconv.ParseUint(r.URL.Query().Get("reg"), 0, 8)
	if err != nil {
		http.Error(w, "Invalid register", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case "GET":
		var value byte
		chip.Locked(func() {
			value, err = chip.ReadByte(phy.Register(reg))
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", ctJSON)
		fmt.Fprintf(w, "{\"Register\":\"0x%02x\",\"Value\":\"0x%02x\"}\n", reg, value)

	case "POST":
		value, err := strconv.ParseUint(r.URL.Query().Get("value"), 0, 8)
		if err != nil {
			http.Error(w, "Invalid value", http.StatusBadRequest)
			return
		}

		chip.Locked(func() {
			err = chip.WriteByte(phy.Register(reg), byte(value))
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
	}
}

func (s *API) messageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if s.policy == nil {
		http.Error(w, "No sink policy", http.StatusServiceUnavailable)
		return
	}

	msg, ok := s.policy.NextMessage()
	if !ok {
		http.Error(w, "No message queued", http.StatusNotFound)
		return
	}

	sendJSON(w, &msg)
}

func (s *API) detachHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}

	chip := s.chip()
	if chip == nil {
		http.Error(w, "No device attached", http.StatusServiceUnavailable)
		return
	}

	chip.Detach()
	w.WriteHeader(http.StatusNoContent)
}

func (s *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
