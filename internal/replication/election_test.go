package replication

import (
	"context"
	"testing"
	"time"

	"github.com/exchange-core/matching-core/internal/clock"
)

func newElectionCluster(t *testing.T) (candidate *Node, daemon *Daemon, transport *clusterTransport) {
	t.Helper()
	transport = &clusterTransport{nodes: make(map[string]*Node)}

	n1 := NewNode(Config{ID: "n1", Peers: []string{"n2", "n3"}, MinVotesRequired: 2}, clock.NewFake(fixedTime()), transport, nil)
	n2 := NewNode(Config{ID: "n2", Peers: []string{"n1", "n3"}, MinVotesRequired: 2}, clock.NewFake(fixedTime()), transport, nil)
	n3 := NewNode(Config{ID: "n3", Peers: []string{"n1", "n2"}, MinVotesRequired: 2}, clock.NewFake(fixedTime()), transport, nil)
	transport.nodes["n1"] = n1
	transport.nodes["n2"] = n2
	transport.nodes["n3"] = n3

	daemon = NewDaemon(n1, DefaultTiming(), nil)
	return n1, daemon, transport
}

func TestStartElectionWinsWithMajorityVotes(t *testing.T) {
	candidate, daemon, _ := newElectionCluster(t)

	daemon.startElection(context.Background())

	if candidate.Role() != RoleMaster {
		t.Fatalf("expected candidate to become master, got role %s", candidate.Role())
	}
	if candidate.Term() != 1 {
		t.Fatalf("expected term 1, got %d", candidate.Term())
	}
}

func TestStartElectionStepsDownOnHigherTermResponse(t *testing.T) {
	candidate, daemon, transport := newElectionCluster(t)
	ahead := transport.nodes["n3"]
	ahead.mu.Lock()
	ahead.term = 50
	ahead.mu.Unlock()

	daemon.startElection(context.Background())

	if candidate.Role() == RoleMaster {
		t.Fatalf("candidate should not win an election after observing a higher term")
	}
	if candidate.Term() < 50 {
		t.Fatalf("expected candidate to adopt the higher observed term, got %d", candidate.Term())
	}
}

func TestBecomeMasterReinitializesPeerIndexes(t *testing.T) {
	candidate, daemon, _ := newElectionCluster(t)
	candidate.mu.Lock()
	candidate.log = []LogEntry{{Sequence: 5, Term: 1}}
	daemon.becomeMasterLocked()
	next2 := candidate.nextIndex["n2"]
	match2 := candidate.matchIndex["n2"]
	candidate.mu.Unlock()

	if next2 != 6 {
		t.Fatalf("expected next_index reinitialized to 6, got %d", next2)
	}
	if match2 != 0 {
		t.Fatalf("expected match_index reinitialized to 0, got %d", match2)
	}
}

func TestHandleHeartbeatResetsElectionTimerAndAdoptsCommitIndex(t *testing.T) {
	n := newTestNode("n1", nil)
	daemon := NewDaemon(n, DefaultTiming(), nil)
	n.mu.Lock()
	n.log = []LogEntry{{Sequence: 1, Term: 1}, {Sequence: 2, Term: 1}}
	n.mu.Unlock()

	n.HandleHeartbeat(HeartbeatMsg{Term: 1, LeaderID: "leader", LeaderCommit: 2}, daemon)

	if n.CommitIndex() != 2 {
		t.Fatalf("expected commit index 2 after heartbeat, got %d", n.CommitIndex())
	}

	select {
	case <-daemon.resetCh:
	case <-time.After(time.Second):
		t.Fatalf("expected heartbeat to signal the election timer reset channel")
	}
}

func TestHandleHeartbeatClampsCommitIndexToLocalLog(t *testing.T) {
	n := newTestNode("n1", nil)
	n.mu.Lock()
	n.log = []LogEntry{{Sequence: 1, Term: 1}}
	n.mu.Unlock()

	n.HandleHeartbeat(HeartbeatMsg{Term: 1, LeaderID: "leader", LeaderCommit: 99}, nil)

	if n.CommitIndex() != 1 {
		t.Fatalf("expected commit index clamped to local last log sequence 1, got %d", n.CommitIndex())
	}
}
