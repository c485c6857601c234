package model

import (
	"fmt"
	"strconv"
	"strings"
)

// IdentityKind tells what a job identifier refers to.
type IdentityKind int

const (
	IdentityUnknown IdentityKind = iota
	IdentityPID
	IdentityQueue
	IdentityRemote
)

func (k IdentityKind) String() string {
	switch k {
	case IdentityPID:
		return "pid"
	case IdentityQueue:
		return "queue"
	case IdentityRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Identity is an opaque handle of a started job: an OS process id, a batch
// queue id or an id reported by a remote host. The zero value is Unknown.
type Identity struct {
	kind  IdentityKind
	value int
}

// Unknown is returned when no identifier could be determined.
var Unknown = Identity{}

func newIdentity(kind IdentityKind, n int) Identity {
	if n <= 0 {
		return Unknown
	}
	return Identity{kind: kind, value: n}
}

func PID(pid int) Identity     { return newIdentity(IdentityPID, pid) }
func QueueID(id int) Identity  { return newIdentity(IdentityQueue, id) }
func RemoteID(id int) Identity { return newIdentity(IdentityRemote, id) }

func (i Identity) Kind() IdentityKind { return i.kind }

// Value returns the numeric identifier, ok is false for Unknown.
func (i Identity) Value() (int, bool) {
	if i.kind == IdentityUnknown {
		return 0, false
	}
	return i.value, true
}

func (i Identity) IsUnknown() bool { return i.kind == IdentityUnknown }

func (i Identity) String() string {
	if i.IsUnknown() {
		return "unknown"
	}
	return i.kind.String() + ":" + strconv.Itoa(i.value)
}

// ParseIdentity is the reverse of Identity.String.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "unknown" {
		return Unknown, nil
	}
	kind, num, ok := strings.Cut(s, ":")
	if !ok {
		return Unknown, fmt.Errorf("identity %q: missing kind", s)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return Unknown, fmt.Errorf("identity %q: invalid number", s)
	}
	switch kind {
	case "pid":
		return PID(n), nil
	case "queue":
		return QueueID(n), nil
	case "remote":
		return RemoteID(n), nil
	default:
		return Unknown, fmt.Errorf("identity %q: unsupported kind %q", s, kind)
	}
}
