// Package cluster defines the domain types shared by every part of the
// wake-on-LAN group service: the identity of the local host, the rows of the
// membership table, node roles, and the process-wide synchronization status.
//
// # Overview
//
// Hosts on a local network form a group. One of them is elected manager; the
// others are participants. The manager keeps a table with one row per host and
// tracks whether each host is awake or sleeping, so an operator can send a
// magic packet to wake a sleeping host up.
//
//	              ┌──────────────┐
//	              │   Manager    │
//	              │              │
//	              │ - Discovery  │
//	              │ - Monitoring │
//	              │ - Table      │
//	              └──────┬───────┘
//	                     │  UDP :4000
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│    p1     │ │    p2     │ │    p3     │
//	│  replica  │ │  replica  │ │  replica  │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Core Types
//
// NodeInfo: hostname, IP, MAC and interface of the local host, plus the role
// requested on the command line.
//
// Participant: one table row. Hostname is the primary key. Status is one of
// Awaken, Sleeping, Unknown or Manager; the numeric value of a Status is its
// wire encoding.
//
// GlobalStatus: where the local node is in joining the group:
//
//	Unknown → WaitingForSync → Syncing → Synchronized     (participant)
//	Unknown → Synchronized ⇄ NotSynchronized               (manager)
//	any     → ManagerFailure → (election) → Synchronized
//
// SyncState: the single locked cell holding the GlobalStatus and the IP of the
// manager this node is bound to. Every protocol reads and writes it; nothing
// caches it.
//
// # Concurrency Model
//
// NodeInfo and Participant are plain values and are copied freely. SyncState
// is guarded by its own RWMutex, independent from the membership table lock.
package cluster
