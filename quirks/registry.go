package quirks

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

var (
	// ErrFrozen is generated when Register is called after a handle has
	// been opened against the registry.
	ErrFrozen = errors.New("quirks: registry is frozen, register entries before opening devices")
)

type entry struct {
	vid, pid uint16
	rev      *regexp.Regexp // nil matches any revision
	rec      Record
}

// the process-wide table.  Read-only after the first Lookup.
var registry = struct {
	sync.RWMutex
	entries []entry
	frozen  bool
}{entries: builtin()}

// Register adds an override record for (vid, pid).  revision may be a
// regular expression matched against the device's firmware revision
// string, or empty to match all revisions.  Registration is only legal
// before the first device is opened.
func Register(vid, pid uint16, revision string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	var rev *regexp.Regexp
	if revision != "" {
		var err error
		rev, err = regexp.Compile(revision)
		if err != nil {
			return fmt.Errorf("quirks: bad revision pattern %q: %w", revision, err)
		}
	}
	registry.Lock()
	defer registry.Unlock()
	if registry.frozen {
		return ErrFrozen
	}
	registry.entries = append(registry.entries, entry{vid: vid, pid: pid, rev: rev, rec: rec})
	return nil
}

// Lookup merges the most specific matching record over the defaults and
// freezes the registry.  A revision-pinned entry beats a bare (vid, pid)
// entry; among equals the later registration wins.
func Lookup(vid, pid uint16, revision string) Record {
	registry.Lock()
	registry.frozen = true
	registry.Unlock()

	registry.RLock()
	defer registry.RUnlock()
	var (
		found    bool
		pinned   bool
		selected Record
	)
	for _, e := range registry.entries {
		if e.vid != vid || e.pid != pid {
			continue
		}
		if e.rev != nil {
			if !e.rev.MatchString(revision) {
				continue
			}
			selected, found, pinned = e.rec, true, true
			continue
		}
		if !pinned {
			selected, found = e.rec, true
		}
	}
	if !found {
		return Defaults()
	}
	return selected.Normalize()
}

// reset restores the built-in table.  Test hook.
func reset() {
	registry.Lock()
	defer registry.Unlock()
	registry.entries = builtin()
	registry.frozen = false
}

// builtin seeds the table with the devices this lab has catalogued.
func builtin() []entry {
	return []entry{
		// Thorlabs ITC/LDC4000 controllers append a Data Link Escape to
		// replies and pad reads to the packet boundary.
		{vid: 0x1313, pid: 0x804a, rec: Record{
			ReadExtraAlignmentPadding: true,
			ReadStatusByteVia:         ViaControl,
		}},
		// Rigol DS1000Z scopes drop the EOM bit on the last transfer of
		// large waveform reads and wedge unless cleared at power-on.
		{vid: 0x1ab1, pid: 0x04ce, rec: Record{
			AcceptShortReadAsEOM:       true,
			RequiresClearBeforeFirstIO: true,
			MaxTransferSize:            1 << 16,
			AbortRecoveryPolicy:        AbortClear,
		}},
		// Keysight InfiniiVision firmware before 7.x misreports the
		// capability bits.
		{vid: 0x0957, pid: 0x179b, rev: regexp.MustCompile(`^0[1-6]\.`), rec: Record{
			IgnoreCapabilitiesFlags: true,
		}},
	}
}

// LoadYAML registers override records from a data file.  Keys are hex
// vid:pid pairs, optionally with a third revision-pattern segment:
//
//	1ab1:04ce:
//	  accept_short_read_as_eom: true
//	  max_transfer_size: 65536
//	"0957:179b:^01\\.":
//	  ignore_capabilities_flags: true
func LoadYAML(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	raw := map[string]Record{}
	if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
		return fmt.Errorf("quirks: parse %s: %w", path, err)
	}
	for key, rec := range raw {
		vid, pid, rev, err := parseKey(key)
		if err != nil {
			return err
		}
		if err := Register(vid, pid, rev, rec); err != nil {
			return fmt.Errorf("quirks: %s: %w", key, err)
		}
	}
	return nil
}

func parseKey(key string) (vid, pid uint16, rev string, err error) {
	pieces := strings.SplitN(key, ":", 3)
	if len(pieces) < 2 {
		return 0, 0, "", fmt.Errorf("quirks: key %q is not vid:pid", key)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(pieces[0], "0x"), 16, 16)
	if err != nil {
		return 0, 0, "", fmt.Errorf("quirks: key %q: bad vid: %w", key, err)
	}
	p, err := strconv.ParseUint(strings.TrimPrefix(pieces[1], "0x"), 16, 16)
	if err != nil {
		return 0, 0, "", fmt.Errorf("quirks: key %q: bad pid: %w", key, err)
	}
	if len(pieces) == 3 {
		rev = pieces[2]
	}
	return uint16(v), uint16(p), rev, nil
}
