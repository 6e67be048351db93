package tunnel

import (
	"context"
	"net"
	"strconv"
	"time"
)

// WaitFor polls cond every interval until it holds, ctx is done or timeout
// elapses. A negative timeout waits indefinitely.
func WaitFor(ctx context.Context, cond func() bool, interval, timeout time.Duration) bool {
	if cond() {
		return true
	}
	if interval <= 0 {
		interval = time.Second
	}
	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return cond()
		case <-ticker.C:
			if cond() {
				return true
			}
		}
	}
}

// PortInUse reports whether something accepts connections on localhost:port.
func PortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
