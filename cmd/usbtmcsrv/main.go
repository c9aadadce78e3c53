// usbtmcsrv exposes USBTMC bench instruments over HTTP.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"goji.io"
	"goji.io/pat"

	"gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/usbtmc"
	"github.jpl.nasa.gov/bdube/usbtmc/quirks"
	"github.jpl.nasa.gov/bdube/usbtmc/tmchttp"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "dev"

	// ConfigFileName is what it sounds like
	ConfigFileName = "usbtmcsrv.yml"
	k              = koanf.New(".")
)

// InstrumentSetup holds the arguments to bring one instrument online.
type InstrumentSetup struct {
	// Resource is the VISA resource string of the device,
	// e.g. USB::0x1313::0x804a::INSTR
	Resource string `yaml:"Resource"`

	// Endpoint is the "directory" the instrument's routes are served
	// under, e.g. Endpoint="ldc" produces /ldc/query and friends
	Endpoint string `yaml:"Endpoint"`

	// TimeoutMS is the per-operation I/O timeout in whole milliseconds
	TimeoutMS int `yaml:"TimeoutMS"`

	// Lockable adds a lock route and 423 middleware for the instrument
	Lockable bool `yaml:"Lockable"`
}

// Config holds the server configuration.  It is to be populated by a
// yaml/unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// QuirksFile is an optional YAML file of device override records,
	// merged into the built-in table before any device opens
	QuirksFile string `yaml:"QuirksFile"`

	// Instruments is the list of devices to expose
	Instruments []InstrumentSetup `yaml:"Instruments"`
}

func defaults() Config {
	return Config{
		Addr: ":8000",
		Instruments: []InstrumentSetup{
			{Resource: "USB::0x1313::0x804a::INSTR", Endpoint: "ldc", TimeoutMS: 3000},
		},
	}
}

// BuildMux opens every configured instrument and assembles the route tree.
func (c Config) BuildMux() *goji.Mux {
	root := goji.NewMux()
	for _, setup := range c.Instruments {
		dev, err := usbtmc.OpenResource(setup.Resource)
		if err != nil {
			log.Fatalf("open %s: %v", setup.Resource, err)
		}
		if setup.TimeoutMS > 0 {
			dev.SetTimeout(time.Duration(setup.TimeoutMS) * time.Millisecond)
		}
		h := tmchttp.NewHTTPDevice(dev)
		rt := h.RT()
		sub := goji.SubMux()
		if setup.Lockable {
			l := tmchttp.NewLocker()
			l.Inject(rt)
			sub.Use(l.Check)
		}
		rt.Bind(sub)
		root.Handle(pat.New("/"+setup.Endpoint+"/*"), sub)
		log.Printf("%s serving at /%s", setup.Resource, setup.Endpoint)
	}
	return root
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "yaml"), nil)
	if err := k.Load(file.Provider(ConfigFileName), kyaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `usbtmcsrv communicates with USBTMC bench instruments and exposes an HTTP interface to them
This enables a server-client architecture,
and the clients can leverage the excellent HTTP
libraries for any programming language,
instead of custom USB logic.

Usage:
	usbtmcsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `usbtmcsrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  Keys are not case-sensitive.
The command mkconf generates the configuration file with the default values.
There is no need to do this unless you want to start from the prepopulated defaults when making
a config file.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yaml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yaml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("usbtmcsrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	if c.QuirksFile != "" {
		if err := quirks.LoadYAML(c.QuirksFile); err != nil {
			log.Fatal(err)
		}
	}
	mux := c.BuildMux()
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
