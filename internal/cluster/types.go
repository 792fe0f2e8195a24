package cluster

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// NotElected is the elected timestamp carried by entries that never became manager.
const NotElected = "N/A"

// ElectedLayout formats Participant.ElectedTimestamp (UTC).
const ElectedLayout = "02-01-2006 15:04:05"

// NodeInfo is the identity of the local host as detected at startup.
type NodeInfo struct {
	Hostname  string `json:"hostname"`
	IP        string `json:"ip"`
	MAC       string `json:"mac"`
	Interface string `json:"interface"`
	Role      Role   `json:"role"`
}

// Participant builds the table row describing this node with the given status.
func (n NodeInfo) Participant(status Status) Participant {
	return Participant{
		Hostname:         n.Hostname,
		IP:               n.IP,
		MAC:              n.MAC,
		Status:           status,
		ElectedTimestamp: NotElected,
	}
}

// Status is a participant's status as seen by the manager.
// The numeric values are the wire encoding.
type Status uint8

const (
	StatusAwaken   Status = 0
	StatusSleeping Status = 1
	StatusUnknown  Status = 2
	StatusManager  Status = 3
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s <= StatusManager
}

func (s Status) String() string {
	switch s {
	case StatusAwaken:
		return "AWAKEN"
	case StatusSleeping:
		return "SLEEPING"
	case StatusUnknown:
		return "UNKNOWN"
	case StatusManager:
		return "MANAGER"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// MarshalText renders the status name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Participant is one row of the membership table. Hostname is the primary key.
type Participant struct {
	ElectedTimestamp string `json:"elected_timestamp"`
	Hostname         string `json:"hostname"`
	IP               string `json:"ip"`
	MAC              string `json:"mac"`
	Status           Status `json:"status"`
}

// ElectedNow returns the elected timestamp for a node promoted at t.
func ElectedNow(t time.Time) string {
	return t.UTC().Format(ElectedLayout)
}

// Role is the part a node plays in the group.
type Role int

const (
	RoleParticipant Role = iota
	RoleManager
)

func (r Role) String() string {
	if r == RoleManager {
		return "manager"
	}
	return "participant"
}

// ParseRole accepts "manager" or "participant" in any case.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "manager":
		return RoleManager, nil
	case "participant":
		return RoleParticipant, nil
	}
	return RoleParticipant, fmt.Errorf("unknown role %q", s)
}

// MarshalText renders the role name in JSON payloads.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// GlobalStatus is the local node's synchronization state with the group.
type GlobalStatus int

const (
	Unknown GlobalStatus = iota
	WaitingForSync
	Syncing
	Synchronized
	NotSynchronized
	ManagerFailure
)

func (g GlobalStatus) String() string {
	switch g {
	case Unknown:
		return "Unknown"
	case WaitingForSync:
		return "WaitingForSync"
	case Syncing:
		return "Syncing"
	case Synchronized:
		return "Synchronized"
	case NotSynchronized:
		return "NotSynchronized"
	case ManagerFailure:
		return "ManagerFailure"
	default:
		return fmt.Sprintf("GlobalStatus(%d)", int(g))
	}
}

// SyncState is the process-wide synchronization cell shared by the transport,
// the protocols and the election trigger loop. It also remembers the IP of the
// manager this node is bound to.
//
// Thread-safe: every read observes the latest write.
type SyncState struct {
	mu        sync.RWMutex
	status    GlobalStatus
	managerIP string
}

// NewSyncState returns a cell in the Unknown status.
func NewSyncState() *SyncState {
	return &SyncState{status: Unknown}
}

// Status returns the current global status.
func (s *SyncState) Status() GlobalStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Change sets the global status and returns the previous one.
func (s *SyncState) Change(next GlobalStatus) GlobalStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.status
	s.status = next
	return prev
}

// CompareAndChange sets next only if the current status is from.
func (s *SyncState) CompareAndChange(from, next GlobalStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != from {
		return false
	}
	s.status = next
	return true
}

// ManagerIP returns the IP of the manager this node last bound to.
func (s *SyncState) ManagerIP() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.managerIP
}

// SetManagerIP records the IP of the current manager.
func (s *SyncState) SetManagerIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managerIP = ip
}
