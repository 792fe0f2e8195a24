// Package coordinator implements the group protocols of the wake-on-LAN
// service: discovery, heartbeat monitoring and bully election, plus the Node
// supervisor that runs them and switches them between roles.
//
// # Overview
//
// Every host runs the same binary. Exactly one host acts as manager: it
// admits participants, tracks whether each one is awake or asleep and
// replicates the membership table to the others. Participants answer the
// manager and keep a replica of the table. When the manager disappears, the
// participants elect a new one among themselves.
//
// # Architecture
//
//	            ┌────────────────────────────────────────┐
//	            │                 Node                   │
//	            │   election trigger loop, role switch   │
//	            └───────┬──────────────┬─────────────┬───┘
//	                    │              │             │
//	           ┌────────▼───┐  ┌───────▼────┐  ┌─────▼──────┐
//	           │ Discovery  │  │ Monitoring │  │  Election  │
//	           │  D, E      │  │  R, T      │  │  L, A, C   │
//	           └──┬──────▲──┘  └──┬──────▲──┘  └──┬──────▲──┘
//	              │      │ queue  │      │ queue  │      │ queue
//	              │   ┌──┴────────┴──────┴────────┴──────┴──┐
//	              └──►│        transport (UDP :4000)        │
//	                  └─────────────────────────────────────┘
//	                         all three share one membership.Table
//
// Each protocol is a single type whose role is data: Start(role) launches the
// manager or the participant loop, and the Node restarts it in the other role
// after an election.
//
// # Global status
//
// The process-wide status lives in cluster.SyncState and is reached through
// Network.GlobalStatus / ChangeStatus:
//
//	manager:      Unknown ──► Synchronized ◄──► NotSynchronized
//	participant:  Unknown ──► WaitingForSync ──► Syncing ──► Synchronized
//	                               ▲                 │            │
//	                               └─────────────────┴────────────┘ heartbeat lost (35s)
//	any:          WaitingForSync (12s) / competing SYN ──► ManagerFailure ──► election
//
// # Timing
//
// All delays are carried in Timings so tests can run the protocols in
// milliseconds:
//
//	DiscoveryWindow   10s  manager SYN broadcast interval
//	DiscoveryDrift     2s  lateness that marks the manager NotSynchronized
//	SyncTimeout       12s  WaitingForSync before presuming the manager dead
//	MonitorPeriod      8s  heartbeat round
//	HeartbeatTimeout  35s  participant tolerance for heartbeat silence
//	AnswerTimeout      5s  wait for an Answer to Election messages
//	ElectionTimeout   25s  abandon an inconclusive election
//
// # Known limitations
//
// Table snapshots carry the manager's sequence number and are applied
// unconditionally, so a reordered UDP datagram can briefly regress a
// participant's replica until the next update. The wire format has no version
// field; see package wire.
package coordinator
