//go:build linux

package creds

import "golang.org/x/sys/unix"

// setfsuid/setfsgid are Linux-only syscalls that change only the
// filesystem uid/gid used for access-permission checks, leaving the
// real and effective ids (and hence process privilege) untouched.
// Neither has a typed wrapper in x/sys/unix because the syscall
// itself has no error return -- it returns the *previous* value
// unconditionally -- so the original's own setfsuid()/setfsgid() C
// wrappers (fakefsuid.h) are mirrored here with a raw unix.Syscall.
func setfsuid(uid uint32) error {
	_, _, _ = unix.Syscall(unix.SYS_SETFSUID, uintptr(uid), 0, 0)
	return nil
}

func setfsgid(gid uint32) error {
	_, _, _ = unix.Syscall(unix.SYS_SETFSGID, uintptr(gid), 0, 0)
	return nil
}
