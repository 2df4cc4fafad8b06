package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jgoerzen/nfs-user-server/internal/exports"
	"github.com/jgoerzen/nfs-user-server/internal/hostres"
	"github.com/jgoerzen/nfs-user-server/internal/idmap"
)

// ExportsResult is what loading the exports file produces: the
// populated database, plus the "=public" designation if one export
// line carried it (original_source/auth_init.c: "Check for the magic
// hostname =public to set the public root").
type ExportsResult struct {
	DB         *exports.DB
	PublicRoot string

	// AllMounts is every mount parsed from the file, regardless of
	// which client bucket it ended up in. It exists for promiscuous
	// mode (spec §6 "-p"): original_source/auth_init.c's
	// auth_create_default_client() installs a default client that
	// subsequent passes attach every known mount point to, so any
	// address matching nothing else still reaches the full export set.
	AllMounts []exports.Mount
}

// LoadExports parses the exports file format of spec §6 ("Exports
// file"): `\`-continued lines, `#` comments, one path followed by
// `client(opts) client(opts) …` tokens. statics, if non-nil, is
// consulted for `map_static=FILE` options already parsed via
// LoadStaticMap (keyed by file path, so the same static map file
// shared across exports is only parsed once).
func LoadExports(path string, resolver *hostres.Resolver, statics map[string]*idmap.Map) (*ExportsResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	db := exports.New(resolver)
	result := &ExportsResult{DB: db}

	for lineNo, line := range joinContinuations(string(raw)) {
		line = stripComment(line)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%s:%d: export line needs a path and at least one client", path, lineNo+1)
		}
		exportPath := fields[0]

		// Open Question (i) (spec §9): the original canonicalizes with
		// realpath and silently falls back to the literal path on any
		// IO error, which can export a path via a symlink whose target
		// sits outside the intended tree. This implementation rejects
		// that ambiguity outright: a configured export path that
		// EvalSymlinks cannot resolve is a fatal exports-file error,
		// never a silent fallback.
		if canon, err := filepath.EvalSymlinks(exportPath); err != nil {
			return nil, fmt.Errorf("%s:%d: export path %q does not resolve: %w", path, lineNo+1, exportPath, err)
		} else {
			exportPath = canon
		}

		for _, tok := range fields[1:] {
			name, optStr := splitClientToken(tok)
			if name == "=public" {
				if result.PublicRoot != "" {
					return nil, fmt.Errorf("%s:%d: duplicate =public entry", path, lineNo+1)
				}
				result.PublicRoot = exportPath
				continue
			}
			opts, err := parseOptions(optStr, statics)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, lineNo+1, err)
			}
			mnt := exports.Mount{Path: exportPath, Opts: opts}
			addClient(db, name, mnt)
			result.AllMounts = append(result.AllMounts, mnt)
		}
	}
	return result, nil
}

// addClient dispatches one client token to the right exports.DB
// bucket (spec §6 "Clients: literal name, *.pattern, @netgroup,
// addr/mask ... empty means anonymous").
func addClient(db *exports.DB, name string, mnt exports.Mount) {
	switch {
	case name == "":
		db.SetAnonymous([]exports.Mount{mnt})
	case strings.HasPrefix(name, "@"):
		db.AddNetgroup(strings.TrimPrefix(name, "@"), []exports.Mount{mnt})
	case strings.Contains(name, "/"):
		addr, mask, err := parseAddrMask(name)
		if err == nil {
			db.AddNetmask(addr, mask, []exports.Mount{mnt})
			return
		}
		db.AddLiteral(name, []exports.Mount{mnt})
	case strings.ContainsAny(name, "*?"):
		db.AddWildcard(name, []exports.Mount{mnt})
	default:
		db.AddLiteral(name, []exports.Mount{mnt})
	}
}

// parseAddrMask handles both "addr/dotted-mask" and "addr/CIDR-bits"
// forms (spec §6: "addr/mask (dotted mask or CIDR bits)").
func parseAddrMask(tok string) (net.IP, net.IPMask, error) {
	parts := strings.SplitN(tok, "/", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("not an addr/mask token")
	}
	addr := net.ParseIP(parts[0])
	if addr == nil {
		return nil, nil, fmt.Errorf("invalid address %q", parts[0])
	}
	if bits, err := strconv.Atoi(parts[1]); err == nil {
		return addr, net.CIDRMask(bits, 32), nil
	}
	maskIP := net.ParseIP(parts[1])
	if maskIP == nil {
		return nil, nil, fmt.Errorf("invalid mask %q", parts[1])
	}
	return addr, net.IPMask(maskIP.To4()), nil
}

// splitClientToken splits "name(opts)" into its name and raw
// comma-separated option string (opts may be absent).
func splitClientToken(tok string) (name, opts string) {
	open := strings.IndexByte(tok, '(')
	if open < 0 {
		return tok, ""
	}
	close := strings.LastIndexByte(tok, ')')
	if close < open {
		return tok[:open], ""
	}
	return tok[:open], tok[open+1 : close]
}

// parseOptions implements spec §6's exports-file option table.
func parseOptions(raw string, statics map[string]*idmap.Map) (exports.Options, error) {
	opts := exports.Options{SecurePort: true, MapMode: "identity"}
	var squash idmap.Squash
	var squashUIDRanges, squashGIDRanges [][2]uint32
	mapMode := idmap.Identity
	var staticFile string

	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, val, hasVal := strings.Cut(tok, "=")
		switch key {
		case "ro":
			opts.ReadOnly = true
		case "rw":
			opts.ReadOnly = false
		case "secure":
			opts.SecurePort = true
		case "insecure":
			opts.SecurePort = false
		case "root_squash":
			squash.RootSquash = true
		case "no_root_squash":
			squash.RootSquash = false
		case "all_squash":
			squash.AllSquash = true
		case "no_all_squash":
			squash.AllSquash = false
		case "link_relative":
			opts.LinkRelative = true
		case "link_absolute":
			opts.LinkRelative = false
		case "noaccess":
			opts.NoAccess = true
		case "map_identity":
			mapMode, opts.MapMode = idmap.Identity, "identity"
		case "map_daemon":
			mapMode, opts.MapMode = idmap.Daemon, "daemon"
		case "map_nis":
			mapMode, opts.MapMode = idmap.NIS, "nis"
		case "map_static":
			mapMode, opts.MapMode = idmap.Static, "static"
			staticFile = val
		case "squash_uids":
			rs, err := parseRanges(val)
			if err != nil {
				return opts, err
			}
			squashUIDRanges = append(squashUIDRanges, rs...)
		case "squash_gids":
			rs, err := parseRanges(val)
			if err != nil {
				return opts, err
			}
			squashGIDRanges = append(squashGIDRanges, rs...)
		case "anonuid":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return opts, fmt.Errorf("invalid anonuid %q", val)
			}
			squash.AnonUID = uint32(n)
		case "anongid":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return opts, fmt.Errorf("invalid anongid %q", val)
			}
			squash.AnonGID = uint32(n)
		case "async", "sync":
			// accepted for compatibility, ignored (spec §6)
		default:
			_ = hasVal
			return opts, fmt.Errorf("unrecognized export option %q", tok)
		}
	}

	opts.AnonUID, opts.AnonGID = squash.AnonUID, squash.AnonGID

	var m *idmap.Map
	if mapMode == idmap.Static && staticFile != "" && statics != nil {
		m = statics[staticFile]
	}
	if m == nil {
		m = idmap.New(mapMode, squash, nil)
	} else {
		m.Squash = squash
	}
	for _, r := range squashUIDRanges {
		m.SquashUIDRange(r[0], r[1])
	}
	for _, r := range squashGIDRanges {
		m.SquashGIDRange(r[0], r[1])
	}
	opts.IDMap = m
	return opts, nil
}

// parseRanges parses "lo-hi[,lo-hi...]" or a single "id" form.
func parseRanges(val string) ([][2]uint32, error) {
	var out [][2]uint32
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, found := strings.Cut(part, "-")
		loN, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid range %q", part)
		}
		hiN := loN
		if found {
			hiN, err = strconv.ParseUint(hi, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
		}
		out = append(out, [2]uint32{uint32(loN), uint32(hiN)})
	}
	return out, nil
}

// joinContinuations folds "\"-terminated lines together (spec §6
// "with \ line-continuations") and returns the remaining logical
// lines, still comment/whitespace-laden for stripComment to clean up.
func joinContinuations(data string) []string {
	scanner := bufio.NewScanner(strings.NewReader(data))
	var lines []string
	var cur strings.Builder
	for scanner.Scan() {
		text := scanner.Text()
		if strings.HasSuffix(text, `\`) {
			cur.WriteString(strings.TrimSuffix(text, `\`))
			cur.WriteByte(' ')
			continue
		}
		cur.WriteString(text)
		lines = append(lines, cur.String())
		cur.Reset()
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

// stripComment drops everything from the first "#" onward
// (spec §6 "# comments").
func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}
