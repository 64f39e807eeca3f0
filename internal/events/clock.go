package events

import "golang.org/x/sys/unix"

// Now returns CLOCK_MONOTONIC in nanoseconds, the same clock the kernel
// hooks stamp their events with.
func Now() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}
