package replication

import (
	"sync"

	"github.com/exchange-core/matching-core/internal/clock"
)

// Transport is what Node needs from a peer connection: send one message
// type and get a response, or fire-and-forget a heartbeat. PeerLink (see
// transport.go) is the real WebSocket-backed implementation; tests use an
// in-memory fake.
type Transport interface {
	SendAppendEntries(peer string, msg AppendEntriesMsg) (AppendEntriesResponseMsg, error)
	SendRequestVote(peer string, msg RequestVoteMsg) (RequestVoteResponseMsg, error)
	SendHeartbeat(peer string, msg HeartbeatMsg)
}

// Applier applies a committed log entry to local durable state (the
// storage engine, via the Notification Bus's StorageSubscriber path on the
// Master, or directly on a Slave catching up).
type Applier interface {
	Apply(entry LogEntry) error
}

// Node is one replication-group member: its role, term, log, and — while
// Master — the per-peer next_index/match_index bookkeeping. All fields
// are guarded by mu; every public method holds mu for its
// own duration only, the same per-entity write-exclusion discipline
// internal/account and internal/matching use.
type Node struct {
	mu sync.Mutex

	id    string
	peers []string

	role       Role
	term       uint64
	votedFor   string
	log         []LogEntry
	commitIndex uint64
	lastApplied uint64

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	minVotesRequired int

	clock     clock.Clock
	transport Transport
	applier   Applier
}

// Config bundles Node construction parameters.
type Config struct {
	ID               string
	Peers            []string
	MinVotesRequired int
}

// NewNode creates a Node starting as Slave at term 0 with an empty log.
func NewNode(cfg Config, clk clock.Clock, transport Transport, applier Applier) *Node {
	return &Node{
		id:               cfg.ID,
		peers:            cfg.Peers,
		role:             RoleSlave,
		minVotesRequired: cfg.MinVotesRequired,
		nextIndex:        make(map[string]uint64),
		matchIndex:       make(map[string]uint64),
		clock:            clk,
		transport:        transport,
		applier:          applier,
	}
}

// SetTransport wires t as the Node's Transport after construction, for the
// common startup ordering where the Transport's peer links need a router
// bound to this same Node before they can be dialed (see cmd/server).
func (n *Node) SetTransport(t Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transport = t
}

// Role returns the node's current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// Term returns the node's current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// CommitIndex returns the highest committed sequence.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// lastLogSequenceTermLocked returns the sequence and term of the last log
// entry, or (0, 0) for an empty log.
func (n *Node) lastLogSequenceTermLocked() (uint64, uint64) {
	if len(n.log) == 0 {
		return 0, 0
	}
	last := n.log[len(n.log)-1]
	return last.Sequence, last.Term
}

// observeTermLocked steps down if term exceeds the local term, returning
// whether it did.
func (n *Node) observeTermLocked(term uint64) bool {
	if term > n.term {
		n.term = term
		n.role = RoleSlave
		n.votedFor = ""
		return true
	}
	return false
}

// AppendLocal appends a new entry at the current term, for use only by the
// current Master originating a fresh WAL record. Returns the
// appended entry, which carries the caller-supplied seq.
func (n *Node) AppendLocal(payload []byte, seq uint64) (LogEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry := LogEntry{Sequence: seq, Term: n.term, Payload: payload}
	n.log = append(n.log, entry)
	return entry, nil
}

// entriesAfter returns a copy of entries with sequence > afterSeq, for
// forming AppendEntries batches.
func (n *Node) entriesAfter(afterSeq uint64, limit int) []LogEntry {
	var out []LogEntry
	for _, e := range n.log {
		if e.Sequence > afterSeq {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

func (n *Node) entryAt(seq uint64) (LogEntry, bool) {
	for _, e := range n.log {
		if e.Sequence == seq {
			return e, true
		}
	}
	return LogEntry{}, seq == 0
}
