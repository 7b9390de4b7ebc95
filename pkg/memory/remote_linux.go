//go:build linux
// +build linux

package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Remote reads the address space of another process on the local
// machine through the process_vm_readv syscall. The caller needs
// ptrace-equivalent permissions on the target.
type Remote struct {
	pid int
}

// NewRemote returns a Remote reading from the process with the given
// pid.
func NewRemote(pid int) *Remote {
	return &Remote{pid: pid}
}

// ReadMemory implements Memory.
func (r *Remote) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(r.pid, local, remote, 0)
	if err != nil {
		return 0, fmt.Errorf("process_vm_readv pid %d addr %#x: %w", r.pid, addr, err)
	}
	if n < len(buf) {
		return n, fmt.Errorf("short read of %d/%d bytes at %#x: %w", n, len(buf), addr, ErrOutOfRange)
	}
	return n, nil
}
