package health

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sys/unix"
)

const kmsgPath = "/dev/kmsg"

// CountKernelErrors reads the kernel ring buffer from /dev/kmsg without
// blocking and counts err-level records from the last window. Record
// timestamps are relative to boot, so the window is measured against
// the host uptime.
func CountKernelErrors(ctx context.Context, window time.Duration) (int, error) {
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0, err
	}
	sinceUs := int64(uptime)*int64(time.Second/time.Microsecond) - window.Microseconds()

	// os.File would park a read on the poller instead of returning EAGAIN
	fd, err := unix.Open(kmsgPath, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var recs []kmsgRecord
	buf := make([]byte, 8192)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, err := unix.Read(fd, buf)
		switch {
		case err == unix.EAGAIN:
			return countRecent(recs, sinceUs), nil
		case err == unix.EPIPE, err == unix.EINTR:
			// EPIPE: the ring buffer overwrote records we had not read yet
			continue
		case err != nil:
			return 0, err
		case n == 0:
			return countRecent(recs, sinceUs), nil
		}

		if rec, ok := parseKmsgRecord(buf[:n]); ok {
			recs = append(recs, rec)
		}
	}
}
