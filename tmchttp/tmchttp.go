// Package tmchttp exposes a USBTMC device handle over HTTP with a
// goji-style route table, so bench instruments can be driven through the
// same server-client architecture as the rest of the lab stack.
package tmchttp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"goji.io"
	"goji.io/pat"
)

// StrT is a struct with a single Str field
type StrT struct {
	Str string `json:"str"`
}

// IntT is a struct with a single Int field
type IntT struct {
	Int int `json:"int"`
}

// ByteT is a struct with a single Int field
type ByteT struct {
	Int byte `json:"int"` // we won't distinguish between bytes and ints for users
}

// BoolT is a struct with a single Bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// Instrument is the slice of a device handle served over HTTP.
// *usbtmc.Device satisfies it.
type Instrument interface {
	Write(p []byte) (int, error)
	Read(max int) ([]byte, error)
	Query(cmd []byte, max int) ([]byte, error)
	Trigger() error
	ReadSTB() (byte, error)
	Clear() error
	Remote() error
	Local() error
	Lock() error
	Unlock() error
	SetTimeout(time.Duration)
	Timeout() time.Duration
}

// MethodPath is a route fragment: HTTP method plus path.
type MethodPath struct {
	Method, Path string
}

// RouteTable maps method-paths to handlers.
type RouteTable map[MethodPath]http.HandlerFunc

// Bind attaches the table to a goji mux.
func (rt RouteTable) Bind(m *goji.Mux) {
	for mp, handler := range rt {
		var p *pat.Pattern
		switch mp.Method {
		case http.MethodGet:
			p = pat.Get(mp.Path)
		case http.MethodPost:
			p = pat.Post(mp.Path)
		case http.MethodDelete:
			p = pat.Delete(mp.Path)
		default:
			p = pat.New(mp.Path)
		}
		m.HandleFunc(p, handler)
	}
}

// HTTPDevice wraps an Instrument with a populated route table.
type HTTPDevice struct {
	I Instrument

	RouteTable RouteTable
}

// NewHTTPDevice builds the standard route table around i.
func NewHTTPDevice(i Instrument) HTTPDevice {
	h := HTTPDevice{I: i}
	rt := RouteTable{
		MethodPath{http.MethodPost, "/write"}:   h.Write,
		MethodPath{http.MethodGet, "/read"}:     h.Read,
		MethodPath{http.MethodPost, "/query"}:   h.Query,
		MethodPath{http.MethodPost, "/trigger"}: h.Trigger,
		MethodPath{http.MethodGet, "/stb"}:      h.ReadSTB,
		MethodPath{http.MethodPost, "/clear"}:   h.Clear,
		MethodPath{http.MethodPost, "/remote"}:  h.Remote,
		MethodPath{http.MethodPost, "/local"}:   h.Local,
		MethodPath{http.MethodPost, "/llo"}:     h.Lockout,
		MethodPath{http.MethodPost, "/unlock"}:  h.Unlock,
		MethodPath{http.MethodGet, "/timeout"}:  h.GetTimeout,
		MethodPath{http.MethodPost, "/timeout"}: h.SetTimeout,
	}
	h.RouteTable = rt
	return h
}

// RT returns the route table for binding.
func (h HTTPDevice) RT() RouteTable {
	return h.RouteTable
}

// readMax parses the ?max query parameter with a 4096-byte default.
func readMax(r *http.Request) (int, error) {
	q := r.URL.Query().Get("max")
	if q == "" {
		return 4096, nil
	}
	return strconv.Atoi(q)
}

// Write sends json:str to the device as one message.
func (h HTTPDevice) Write(w http.ResponseWriter, r *http.Request) {
	str := StrT{}
	if err := json.NewDecoder(r.Body).Decode(&str); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := h.I.Write([]byte(str.Str)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Read reads one message from the device and replies with json:str.
func (h HTTPDevice) Read(w http.ResponseWriter, r *http.Request) {
	max, err := readMax(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := h.I.Read(max)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := StrT{Str: string(resp)}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(hp); err != nil {
		fstr := fmt.Sprintf("error encoding response to json %q", err)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// Query writes json:str and replies with the device's answer as json:str.
func (h HTTPDevice) Query(w http.ResponseWriter, r *http.Request) {
	str := StrT{}
	if err := json.NewDecoder(r.Body).Decode(&str); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	max, err := readMax(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := h.I.Query([]byte(str.Str), max)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := StrT{Str: string(resp)}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(hp); err != nil {
		fstr := fmt.Sprintf("error encoding response to json %q", err)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// Trigger fires the USB488 trigger message.
func (h HTTPDevice) Trigger(w http.ResponseWriter, r *http.Request) {
	h.plain(w, h.I.Trigger())
}

// ReadSTB replies with the status byte as json:int.
func (h HTTPDevice) ReadSTB(w http.ResponseWriter, r *http.Request) {
	stb, err := h.I.ReadSTB()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := ByteT{Int: stb}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(hp); err != nil {
		fstr := fmt.Sprintf("error encoding response to json %q", err)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// Clear runs the device clear sequence.
func (h HTTPDevice) Clear(w http.ResponseWriter, r *http.Request) {
	h.plain(w, h.I.Clear())
}

// Remote asserts remote enable.
func (h HTTPDevice) Remote(w http.ResponseWriter, r *http.Request) {
	h.plain(w, h.I.Remote())
}

// Local returns the device to local control.
func (h HTTPDevice) Local(w http.ResponseWriter, r *http.Request) {
	h.plain(w, h.I.Local())
}

// Lockout engages local lockout.
func (h HTTPDevice) Lockout(w http.ResponseWriter, r *http.Request) {
	h.plain(w, h.I.Lock())
}

// Unlock releases remote enable and any lockout.
func (h HTTPDevice) Unlock(w http.ResponseWriter, r *http.Request) {
	h.plain(w, h.I.Unlock())
}

// GetTimeout replies with the handle timeout in whole milliseconds.
func (h HTTPDevice) GetTimeout(w http.ResponseWriter, r *http.Request) {
	hp := IntT{Int: int(h.I.Timeout() / time.Millisecond)}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(hp); err != nil {
		fstr := fmt.Sprintf("error encoding response to json %q", err)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// SetTimeout sets the handle timeout from json:int milliseconds.
func (h HTTPDevice) SetTimeout(w http.ResponseWriter, r *http.Request) {
	i := IntT{}
	if err := json.NewDecoder(r.Body).Decode(&i); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if i.Int <= 0 {
		http.Error(w, "timeout must be a positive number of milliseconds", http.StatusBadRequest)
		return
	}
	h.I.SetTimeout(time.Duration(i.Int) * time.Millisecond)
	w.WriteHeader(http.StatusOK)
}

func (h HTTPDevice) plain(w http.ResponseWriter, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
