package tmchttp_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"goji.io"

	"github.jpl.nasa.gov/bdube/usbtmc/tmchttp"
)

// fakeInstrument satisfies tmchttp.Instrument with canned data.
type fakeInstrument struct {
	wrote   [][]byte
	reply   []byte
	stb     byte
	timeout time.Duration

	cleared, triggered bool
	ren                []string
}

func (f *fakeInstrument) Write(p []byte) (int, error) {
	f.wrote = append(f.wrote, append([]byte(nil), p...))
	return len(p), nil
}
func (f *fakeInstrument) Read(max int) ([]byte, error) { return f.reply, nil }
func (f *fakeInstrument) Query(cmd []byte, max int) ([]byte, error) {
	f.wrote = append(f.wrote, append([]byte(nil), cmd...))
	return f.reply, nil
}
func (f *fakeInstrument) Trigger() error             { f.triggered = true; return nil }
func (f *fakeInstrument) ReadSTB() (byte, error)     { return f.stb, nil }
func (f *fakeInstrument) Clear() error               { f.cleared = true; return nil }
func (f *fakeInstrument) Remote() error              { f.ren = append(f.ren, "remote"); return nil }
func (f *fakeInstrument) Local() error               { f.ren = append(f.ren, "local"); return nil }
func (f *fakeInstrument) Lock() error                { f.ren = append(f.ren, "llo"); return nil }
func (f *fakeInstrument) Unlock() error              { f.ren = append(f.ren, "unlock"); return nil }
func (f *fakeInstrument) SetTimeout(d time.Duration) { f.timeout = d }
func (f *fakeInstrument) Timeout() time.Duration     { return f.timeout }

func newServer(f *fakeInstrument) *httptest.Server {
	h := tmchttp.NewHTTPDevice(f)
	mux := goji.NewMux()
	h.RT().Bind(mux)
	return httptest.NewServer(mux)
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestQueryRoute(t *testing.T) {
	f := &fakeInstrument{reply: []byte("Vendor,Model,SN,1.0\n")}
	srv := newServer(f)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/query", tmchttp.StrT{Str: "*IDN?\n"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	out := tmchttp.StrT{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Str != "Vendor,Model,SN,1.0\n" {
		t.Errorf("got %q", out.Str)
	}
	if len(f.wrote) != 1 || string(f.wrote[0]) != "*IDN?\n" {
		t.Errorf("instrument saw %q", f.wrote)
	}
}

func TestWriteAndReadRoutes(t *testing.T) {
	f := &fakeInstrument{reply: []byte("42\n")}
	srv := newServer(f)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/write", tmchttp.StrT{Str: "OUTPUT ON\n"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("write status %d", resp.StatusCode)
	}

	r2, err := http.Get(srv.URL + "/read?max=16")
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Body.Close()
	out := tmchttp.StrT{}
	if err := json.NewDecoder(r2.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Str != "42\n" {
		t.Errorf("got %q", out.Str)
	}
}

func TestControlRoutes(t *testing.T) {
	f := &fakeInstrument{stb: 0x42}
	srv := newServer(f)
	defer srv.Close()

	for _, path := range []string{"/trigger", "/clear", "/remote", "/local", "/llo", "/unlock"} {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}
	if !f.triggered || !f.cleared {
		t.Error("trigger or clear did not reach the instrument")
	}
	want := []string{"remote", "local", "llo", "unlock"}
	for i, w := range want {
		if f.ren[i] != w {
			t.Errorf("ren op %d: expected %s got %s", i, w, f.ren[i])
		}
	}

	resp, err := http.Get(srv.URL + "/stb")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := tmchttp.ByteT{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Int != 0x42 {
		t.Errorf("stb %#02x", out.Int)
	}
}

func TestTimeoutRoutes(t *testing.T) {
	f := &fakeInstrument{timeout: 3 * time.Second}
	srv := newServer(f)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/timeout", tmchttp.IntT{Int: 1500})
	resp.Body.Close()
	if f.timeout != 1500*time.Millisecond {
		t.Errorf("timeout %v", f.timeout)
	}

	r2, err := http.Get(srv.URL + "/timeout")
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Body.Close()
	out := tmchttp.IntT{}
	if err := json.NewDecoder(r2.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Int != 1500 {
		t.Errorf("reported %d ms", out.Int)
	}

	bad := postJSON(t, srv.URL+"/timeout", tmchttp.IntT{Int: -5})
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("negative timeout accepted, status %d", bad.StatusCode)
	}
}

func TestLockerBouncesProtectedRoutes(t *testing.T) {
	f := &fakeInstrument{}
	h := tmchttp.NewHTTPDevice(f)
	l := tmchttp.NewLocker()
	l.Inject(h.RT())
	mux := goji.NewMux()
	h.RT().Bind(mux)
	mux.Use(l.Check)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/lock", tmchttp.BoolT{Bool: true})
	resp.Body.Close()

	blocked := postJSON(t, srv.URL+"/write", tmchttp.StrT{Str: "x"})
	blocked.Body.Close()
	if blocked.StatusCode != http.StatusLocked {
		t.Errorf("expected 423, got %d", blocked.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/lock", tmchttp.BoolT{Bool: false})
	resp.Body.Close()
	ok := postJSON(t, srv.URL+"/write", tmchttp.StrT{Str: "x"})
	ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after unlock, got %d", ok.StatusCode)
	}
}
