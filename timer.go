//go:build linux && amd64

package hypervisor

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// timerRecurringInterval is the recurring interval armed after the initial deadline:
// even a pathological blocking guest is interrupted repeatedly until the
// HV-API observes EINTR.
const timerRecurringInterval = 20 // milliseconds

// sigevent mirrors the kernel's struct sigevent (64 bytes on x86_64), used
// directly with the raw timer_create syscall (no libc involved).
type sigevent struct {
	value  int64
	signo  int32
	notify int32
	tid    int32
	_      [11]int32
}

const (
	sigevSignal   = 0
	sigevThreadID = 4
)

// sigusr2Seen is incremented once per SIGUSR2 observed by the process.
// Per-thread signal attribution would need raw sigaction/siginfo access,
// which isn't available without cgo; every armed timer instead takes a
// baseline reading of this counter and treats any increase while it was
// armed as "a timer signal may have fired", which is a safe
// over-approximation (it can never miss a real signal, and at worst
// treats an unrelated vCPU's timer tick as a possible hit on this one).
var sigusr2Seen atomic.Uint64

var installSignalWatcherOnce sync.Once

func installSignalWatcher() {
	installSignalWatcherOnce.Do(func() {
		ch := make(chan os.Signal, 8)
		signal.Notify(ch, unix.SIGUSR2)
		go func() {
			for range ch {
				sigusr2Seen.Add(1)
			}
		}()
	})
}

// vcpuTimer is a per-thread POSIX interval timer whose expiry forces the
// owning vCPU's KVM_RUN ioctl to return EINTR.
type vcpuTimer struct {
	id       uintptr
	ticks    uint32 // current deadline in ms, 0 = disabled
	fired    atomic.Bool
	baseline uint64
}

func newVCPUTimer() (*vcpuTimer, error) {
	installSignalWatcher()

	ev := sigevent{
		signo:  int32(unix.SIGUSR2),
		notify: sigevThreadID,
		tid:    int32(unix.Gettid()),
	}
	var id uintptr
	// clockid CLOCK_MONOTONIC = 1
	_, _, errno := unix.Syscall(unix.SYS_TIMER_CREATE, 1, uintptr(unsafe.Pointer(&ev)), uintptr(unsafe.Pointer(&id)))
	if errno != 0 {
		return nil, &HvApiFailure{Op: "timer_create", Err: errno}
	}
	return &vcpuTimer{id: id}, nil
}

// arm starts (or rearms) the timer for an initial deadline of ms
// milliseconds, recurring every timerRecurringInterval ms thereafter.
func (t *vcpuTimer) arm(ms uint32) error {
	t.ticks = ms
	t.fired.Store(false)
	t.baseline = sigusr2Seen.Load()

	spec := unix.ItimerSpec{
		Interval: msToTimespec(timerRecurringInterval),
		Value:    msToTimespec(ms),
	}
	_, _, errno := unix.Syscall6(unix.SYS_TIMER_SETTIME, t.id, 0, uintptr(unsafe.Pointer(&spec)), 0, 0, 0)
	if errno != 0 {
		return &HvApiFailure{Op: "timer_settime (arm)", Err: errno}
	}
	return nil
}

// disarm stops the timer. It is always called before run returns,
// including on the exception-propagation path.
func (t *vcpuTimer) disarm() {
	t.ticks = 0
	var zero unix.ItimerSpec
	unix.Syscall6(unix.SYS_TIMER_SETTIME, t.id, 0, uintptr(unsafe.Pointer(&zero)), 0, 0, 0)
}

// maybeFired reports whether a SIGUSR2 has been observed since arm was
// called, to catch a signal that raced with a clean (non-EINTR) return
// from KVM_RUN.
func (t *vcpuTimer) maybeFired() bool {
	if t.fired.Load() {
		return true
	}
	return sigusr2Seen.Load() != t.baseline
}

func (t *vcpuTimer) close() {
	unix.Syscall(unix.SYS_TIMER_DELETE, t.id, 0, 0)
}

func msToTimespec(ms uint32) unix.Timespec {
	return unix.Timespec{
		Sec:  int64(ms / 1000),
		Nsec: int64(ms%1000) * 1_000_000,
	}
}
