package proc

import (
	"fmt"
	"strconv"
	"strings"
)

// Handle identifies a process across PID reuse: the PID plus the creation
// time the OS reported when tracing started.
type Handle struct {
	PID     int
	Created uint64
}

func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.PID, h.Created)
}

func (h Handle) IsZero() bool { return h == Handle{} }

// ParseHandle parses the "pid:created" form produced by String.
func ParseHandle(s string) (Handle, error) {
	pidStr, createdStr, ok := strings.Cut(s, ":")
	if !ok {
		return Handle{}, errorf(KindInvalidArgument, "parse handle", "missing ':' in %q", s)
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return Handle{}, errorf(KindInvalidArgument, "parse handle", "bad pid %q", pidStr)
	}
	created, err := strconv.ParseUint(createdStr, 10, 64)
	if err != nil {
		return Handle{}, errorf(KindInvalidArgument, "parse handle", "bad creation time %q", createdStr)
	}
	return Handle{PID: pid, Created: created}, nil
}
