package exports

import "sort"

// ExportEntry is one exported directory and the client specs allowed
// to mount it, as reported by MOUNTPROC_EXPORT (grounded on
// original_source/mountd.c's static export_list, built once from the
// exports file and handed back verbatim on every call).
type ExportEntry struct {
	Path    string
	Clients []string
}

// Exports rebuilds the export_list view by inverting the per-client
// bucket storage Resolve uses: every template that names mnts
// contributes its display string to each of those mounts' client
// list. The default catch-all template isn't a named client and is
// omitted, matching the original's exports file having no "*" line
// for it.
func (db *DB) Exports() []ExportEntry {
	db.mu.Lock()
	defer db.mu.Unlock()

	byPath := make(map[string][]string)
	var order []string
	add := func(path, client string) {
		if _, ok := byPath[path]; !ok {
			order = append(order, path)
		}
		byPath[path] = append(byPath[path], client)
	}

	for _, t := range db.known {
		for _, m := range t.mnts {
			add(m.Path, t.name)
		}
	}
	for _, t := range db.unknown {
		for _, m := range t.mnts {
			add(m.Path, t.name)
		}
	}
	for _, t := range db.wildcard {
		for _, m := range t.mnts {
			add(m.Path, t.name)
		}
	}
	for _, t := range db.netgroup {
		for _, m := range t.mnts {
			add(m.Path, "@"+t.name)
		}
	}
	for _, t := range db.netmask {
		for _, m := range t.mnts {
			add(m.Path, t.addr.String()+"/"+t.mask.String())
		}
	}
	if db.anonymous != nil {
		for _, m := range db.anonymous.mnts {
			add(m.Path, "(everyone)")
		}
	}

	sort.Strings(order)
	entries := make([]ExportEntry, 0, len(order))
	for _, path := range order {
		entries = append(entries, ExportEntry{Path: path, Clients: byPath[path]})
	}
	return entries
}
