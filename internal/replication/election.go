package replication

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Timing bundles the election timing constants: heartbeat every
// 100ms, randomized election timeout in [150ms, 300ms).
type Timing struct {
	Heartbeat    time.Duration
	ElectionMin  time.Duration
	ElectionMax  time.Duration
}

// DefaultTiming returns the standard timing constants.
func DefaultTiming() Timing {
	return Timing{Heartbeat: 100 * time.Millisecond, ElectionMin: 150 * time.Millisecond, ElectionMax: 300 * time.Millisecond}
}

// Daemon runs a Node's election-timeout and (while Master) heartbeat
// loops.
type Daemon struct {
	node   *Node
	timing Timing
	log    *slog.Logger
	rng    *rand.Rand
	rngMu  sync.Mutex

	resetCh chan struct{}
}

// NewDaemon wires a Daemon around node.
func NewDaemon(node *Node, timing Timing, log *slog.Logger) *Daemon {
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{
		node:    node,
		timing:  timing,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		resetCh: make(chan struct{}, 1),
	}
}

func (d *Daemon) randomElectionTimeout() time.Duration {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	span := d.timing.ElectionMax - d.timing.ElectionMin
	return d.timing.ElectionMin + time.Duration(d.rng.Int63n(int64(span)))
}

// resetElectionTimer is called whenever the node observes a valid
// heartbeat, delaying its own election bid. Granting a vote does not reset
// it.
func (d *Daemon) resetElectionTimer() {
	select {
	case d.resetCh <- struct{}{}:
	default:
	}
}

// Run drives the election-timeout loop until ctx is cancelled. The Master
// role's heartbeat loop is driven separately by RunHeartbeats once this
// node wins an election.
func (d *Daemon) Run(ctx context.Context) {
	timer := time.NewTimer(d.randomElectionTimeout())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.resetCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(d.randomElectionTimeout())
		case <-timer.C:
			if d.node.Role() != RoleMaster {
				d.startElection(ctx)
			}
			timer.Reset(d.randomElectionTimeout())
		}
	}
}

// startElection runs one Candidate term: increments term, votes for
// itself, and solicits votes from every peer concurrently.
func (d *Daemon) startElection(ctx context.Context) {
	n := d.node
	n.mu.Lock()
	n.role = RoleCandidate
	n.term++
	n.votedFor = n.id
	term := n.term
	lastSeq, lastTerm := n.lastLogSequenceTermLocked()
	peers := append([]string(nil), n.peers...)
	n.mu.Unlock()

	d.log.Info("replication: starting election", "term", term, "node", n.id)

	votes := 1 // self-vote
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := n.transport.SendRequestVote(peer, RequestVoteMsg{
				Term: term, CandidateID: n.id, LastLogSequence: lastSeq, LastLogTerm: lastTerm,
			})
			if err != nil {
				return
			}
			n.mu.Lock()
			stepped := n.observeTermLocked(resp.Term)
			n.mu.Unlock()
			if stepped {
				return
			}
			if resp.Granted {
				mu.Lock()
				votes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleCandidate || n.term != term {
		return // term moved on, or we stepped down while soliciting
	}
	if votes >= d.node.minVotesRequired {
		d.becomeMasterLocked()
	}
}

// becomeMasterLocked transitions to Master and reinitializes per-peer
// next_index/match_index to last_local_sequence + 1 for every peer.
func (d *Daemon) becomeMasterLocked() {
	n := d.node
	n.role = RoleMaster
	lastSeq, _ := n.lastLogSequenceTermLocked()
	for _, p := range n.peers {
		n.nextIndex[p] = lastSeq + 1
		n.matchIndex[p] = 0
	}
	d.log.Info("replication: became master", "term", n.term, "node", n.id)
}

// RunHeartbeats broadcasts a Heartbeat to every peer at the configured
// interval for as long as this node remains Master.
func (d *Daemon) RunHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(d.timing.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := d.node
			n.mu.Lock()
			if n.role != RoleMaster {
				n.mu.Unlock()
				continue
			}
			msg := HeartbeatMsg{Term: n.term, LeaderID: n.id, LeaderCommit: n.commitIndex, TimestampNs: n.clock.NowNanos()}
			peers := append([]string(nil), n.peers...)
			n.mu.Unlock()
			for _, p := range peers {
				n.transport.SendHeartbeat(p, msg)
			}
		}
	}
}

// HandleRequestVote implements the voting rule: grant iff
// candidate's term ≥ local term, no vote cast this term yet, and
// candidate's last_log_sequence ≥ local commit index.
func (n *Node) HandleRequestVote(msg RequestVoteMsg) RequestVoteResponseMsg {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.observeTermLocked(msg.Term)
	if msg.Term < n.term {
		return RequestVoteResponseMsg{Term: n.term, Granted: false}
	}
	if n.votedFor != "" && n.votedFor != msg.CandidateID {
		return RequestVoteResponseMsg{Term: n.term, Granted: false}
	}
	if msg.LastLogSequence < n.commitIndex {
		return RequestVoteResponseMsg{Term: n.term, Granted: false}
	}
	n.votedFor = msg.CandidateID
	return RequestVoteResponseMsg{Term: n.term, Granted: true}
}

// HandleHeartbeat implements the Slave side of the heartbeat exchange:
// on a valid heartbeat, reset the election timer and adopt the
// leader's commit index.
func (n *Node) HandleHeartbeat(msg HeartbeatMsg, d *Daemon) {
	n.mu.Lock()
	n.observeTermLocked(msg.Term)
	valid := msg.Term == n.term
	if valid && n.commitIndex < msg.LeaderCommit {
		if lastSeq, _ := n.lastLogSequenceTermLocked(); msg.LeaderCommit <= lastSeq {
			n.commitIndex = msg.LeaderCommit
		} else {
			n.commitIndex = lastSeq
		}
	}
	n.mu.Unlock()
	if d != nil && valid {
		d.resetElectionTimer()
	}
}
