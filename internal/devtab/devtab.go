// Package devtab persists the device-number-to-index mapping that the
// psi.Table strategy needs to survive restarts, grounded on
// original_source/devtab.c. The table is a human-readable file so an
// administrator can inspect and (while the daemon is stopped) reorder
// it to give the biggest partitions the widest inode range.
package devtab

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Table maps device numbers to their persisted index, in order of
// first appearance. Re-reads never reorder existing indices (spec
// §4.B).
type Table struct {
	Path     string
	DevRoot  string // root searched for an unmapped device's node, default /dev
	MaxDepth int    // recursive search depth, default 4

	devices []uint64 // index i -> device number, or 0 for a path that no longer stats
	mtime   time.Time
}

// NewTable opens (without yet reading) a device table backed by path.
func NewTable(path string) *Table {
	return &Table{Path: path, DevRoot: "/dev", MaxDepth: 4}
}

// Index returns the index for dev, writing a new entry (under an
// exclusive lock, per spec §4.B) if dev has not been seen before.
func (t *Table) Index(dev uint64) (uint32, error) {
	if err := t.reloadIfChanged(); err != nil {
		return 0, err
	}
	for i, d := range t.devices {
		if d == dev {
			return uint32(i), nil
		}
	}
	return t.addLocked(dev)
}

func (t *Table) reloadIfChanged() error {
	fi, err := os.Stat(t.Path)
	if os.IsNotExist(err) {
		t.devices = nil
		return nil
	}
	if err != nil {
		return err
	}
	if fi.ModTime().Equal(t.mtime) && t.devices != nil {
		return nil
	}
	devices, err := readTable(t.Path)
	if err != nil {
		return err
	}
	t.devices = devices
	t.mtime = fi.ModTime()
	return nil
}

func readTable(path string) ([]uint64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var devices []uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		dev, err := lineToDev(line)
		if err != nil {
			// A device path whose node later went away; keep the slot
			// so indices downstream stay stable.
			dev = 0
		}
		devices = append(devices, dev)
	}
	return devices, sc.Err()
}

func lineToDev(line string) (uint64, error) {
	if strings.HasPrefix(line, "devnum-0x") {
		v, err := strconv.ParseUint(strings.TrimPrefix(line, "devnum-0x"), 16, 64)
		return v, err
	}
	var st unix.Stat_t
	if err := unix.Stat(line, &st); err != nil {
		return 0, err
	}
	return uint64(st.Rdev), nil
}

// addLocked acquires the sidecar lock (via link, per spec §4.B step 1),
// re-checks the table, searches /dev for a matching device node, and
// appends a new entry.
func (t *Table) addLocked(dev uint64) (uint32, error) {
	lock, err := acquireLock(t.Path+".lock", 10*time.Minute)
	if err != nil {
		return 0, fmt.Errorf("devtab: lock: %w", err)
	}
	defer lock.release()

	if err := t.reloadIfChangedForce(); err != nil {
		return 0, err
	}
	for i, d := range t.devices {
		if d == dev {
			return uint32(i), nil
		}
	}

	name := t.findDeviceNode(dev)
	if name == "" {
		name = fmt.Sprintf("devnum-0x%x", dev)
	}
	idx := uint32(len(t.devices))
	if err := appendLine(t.Path, name); err != nil {
		// Device-table write failures are fatal to handle stability
		// (spec §7): a partially-persisted table would desynchronize
		// the in-memory index from what's on disk.
		log.WithError(err).Fatal("devtab: failed to persist new device entry")
	}
	t.devices = append(t.devices, dev)
	if fi, statErr := os.Stat(t.Path); statErr == nil {
		t.mtime = fi.ModTime()
	}
	return idx, nil
}

func (t *Table) reloadIfChangedForce() error {
	t.mtime = time.Time{}
	return t.reloadIfChanged()
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	if err != nil {
		return err
	}
	return f.Sync()
}

// findDeviceNode searches DevRoot recursively (depth <= MaxDepth) for a
// block device whose rdev matches dev.
func (t *Table) findDeviceNode(dev uint64) string {
	root := t.DevRoot
	if root == "" {
		root = "/dev"
	}
	depth := t.MaxDepth
	if depth <= 0 {
		depth = 4
	}
	var found string
	var walk func(dir string, level int)
	walk = func(dir string, level int) {
		if found != "" || level > depth {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if found != "" {
				return
			}
			full := filepath.Join(dir, e.Name())
			if e.IsDir() {
				walk(full, level+1)
				continue
			}
			var st unix.Stat_t
			if unix.Lstat(full, &st) != nil {
				continue
			}
			if st.Mode&unix.S_IFMT != unix.S_IFBLK {
				continue
			}
			if uint64(st.Rdev) == dev {
				found = full
				return
			}
		}
	}
	walk(root, 0)
	return found
}

// lockHandle represents the sidecar lock acquired via link-to-a-pidfile
// (spec §4.B / §5 "filesystem lock implemented via link-to-a-pidfile").
type lockHandle struct {
	path string
}

func acquireLock(path string, maxWait time.Duration) (*lockHandle, error) {
	pidPath := path + ".pid"
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, err
	}
	defer os.Remove(pidPath)

	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(maxWait)
	for {
		err := os.Link(pidPath, path)
		if err == nil {
			return &lockHandle{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if stale, _ := staleLock(path); stale {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("devtab: timed out waiting for lock %s", path)
		}
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func staleLock(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return true, nil
	}
	if err := unix.Kill(pid, 0); err != nil {
		return true, nil
	}
	return false, nil
}

func (l *lockHandle) release() {
	os.Remove(l.path)
}
