package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jgoerzen/nfs-user-server/internal/idmap"
)

// LoadStaticMap parses a static-map file (spec §6 "Static-map file":
// "Lines u|g LOW[-HIGH] TO; - as TO squashes the range"), grounded on
// original_source/auth_init.c parse_static_uidmap(): each line either
// squashes a range to the anonymous id (when TO is "-" or absent) or
// installs a range-to-range offset mapping, incrementing TO alongside
// the range the same way the C loop does (`low++, to++`).
func LoadStaticMap(path string, squash idmap.Squash) (*idmap.Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := idmap.New(idmap.Static, squash, nil)

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("%s:%d: expected \"u|g LOW[-HIGH] [TO]\"", path, lineNo)
		}
		isUID := fields[0] == "u" || fields[0] == "U"
		isGID := fields[0] == "g" || fields[0] == "G"
		if !isUID && !isGID {
			return nil, fmt.Errorf("%s:%d: type must be 'u' or 'g', got %q", path, lineNo, fields[0])
		}

		lo, hi, err := parseRange(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}

		if len(fields) < 3 || fields[2] == "-" {
			if isUID {
				m.SquashUIDRange(lo, hi)
			} else {
				m.SquashGIDRange(lo, hi)
			}
			continue
		}

		to, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid destination id %q", path, lineNo, fields[2])
		}
		dest := uint32(to)
		for id := lo; ; id++ {
			if isUID {
				m.SetStaticUID(id, dest)
			} else {
				m.SetStaticGID(id, dest)
			}
			dest++
			if id == hi {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadStaticMaps prescans an exports file for every map_static=FILE
// reference and loads each file exactly once, keyed by path, so
// LoadExports's parseOptions can hand a shared *idmap.Map to every
// export line that names the same file rather than reparsing it per
// line (spec §6 "map_static=FILE").
func LoadStaticMaps(exportsPath string) (map[string]*idmap.Map, error) {
	raw, err := os.ReadFile(exportsPath)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*idmap.Map)
	for _, line := range joinContinuations(string(raw)) {
		line = stripComment(line)
		for _, tok := range strings.Fields(line) {
			_, optStr := splitClientToken(tok)
			for _, opt := range strings.Split(optStr, ",") {
				key, val, hasVal := strings.Cut(strings.TrimSpace(opt), "=")
				if key != "map_static" || !hasVal || val == "" {
					continue
				}
				if _, ok := result[val]; ok {
					continue
				}
				m, err := LoadStaticMap(val, idmap.Squash{})
				if err != nil {
					return nil, fmt.Errorf("map_static=%s: %w", val, err)
				}
				result[val] = m
			}
		}
	}
	return result, nil
}

// parseRange parses "LOW" or "LOW-HIGH".
func parseRange(tok string) (lo, hi uint32, err error) {
	low, high, found := strings.Cut(tok, "-")
	loN, err := strconv.ParseUint(low, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid id range %q", tok)
	}
	hiN := loN
	if found {
		hiN, err = strconv.ParseUint(high, 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid id range %q", tok)
		}
	}
	return uint32(loN), uint32(hiN), nil
}
