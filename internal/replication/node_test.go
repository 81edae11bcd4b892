package replication

import (
	"testing"
	"time"

	"github.com/exchange-core/matching-core/internal/clock"
)

func fixedTime() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

type noopTransport struct{}

func (noopTransport) SendAppendEntries(string, AppendEntriesMsg) (AppendEntriesResponseMsg, error) {
	return AppendEntriesResponseMsg{}, nil
}
func (noopTransport) SendRequestVote(string, RequestVoteMsg) (RequestVoteResponseMsg, error) {
	return RequestVoteResponseMsg{}, nil
}
func (noopTransport) SendHeartbeat(string, HeartbeatMsg) {}

type recordingApplier struct {
	applied []LogEntry
	fail    bool
}

func (a *recordingApplier) Apply(e LogEntry) error {
	if a.fail {
		return errApply
	}
	a.applied = append(a.applied, e)
	return nil
}

var errApply = &applyError{}

type applyError struct{}

func (*applyError) Error() string { return "apply failed" }

func newTestNode(id string, peers []string) *Node {
	return NewNode(Config{ID: id, Peers: peers, MinVotesRequired: 2}, clock.NewFake(fixedTime()), noopTransport{}, nil)
}

func TestHandleRequestVoteGrantsFirstComerPerTerm(t *testing.T) {
	n := newTestNode("n1", nil)

	resp := n.HandleRequestVote(RequestVoteMsg{Term: 1, CandidateID: "n2", LastLogSequence: 0, LastLogTerm: 0})
	if !resp.Granted {
		t.Fatalf("expected vote granted, got %+v", resp)
	}

	resp2 := n.HandleRequestVote(RequestVoteMsg{Term: 1, CandidateID: "n3", LastLogSequence: 0, LastLogTerm: 0})
	if resp2.Granted {
		t.Fatalf("expected second candidate in same term to be refused, got %+v", resp2)
	}
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	n := newTestNode("n1", nil)
	n.mu.Lock()
	n.term = 5
	n.mu.Unlock()

	resp := n.HandleRequestVote(RequestVoteMsg{Term: 3, CandidateID: "n2"})
	if resp.Granted {
		t.Fatalf("expected stale-term vote request to be refused")
	}
	if resp.Term != 5 {
		t.Fatalf("expected response term 5, got %d", resp.Term)
	}
}

func TestHandleRequestVoteRejectsBehindCommitIndex(t *testing.T) {
	n := newTestNode("n1", nil)
	n.mu.Lock()
	n.commitIndex = 10
	n.mu.Unlock()

	resp := n.HandleRequestVote(RequestVoteMsg{Term: 1, CandidateID: "n2", LastLogSequence: 3})
	if resp.Granted {
		t.Fatalf("expected vote refused for a candidate behind the local commit index")
	}
}

func TestAppendLocalAssignsCurrentTerm(t *testing.T) {
	n := newTestNode("n1", nil)
	n.mu.Lock()
	n.term = 2
	n.mu.Unlock()

	entry, err := n.AppendLocal([]byte("payload"), 1)
	if err != nil {
		t.Fatalf("AppendLocal: %v", err)
	}
	if entry.Term != 2 || entry.Sequence != 1 {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestHandleAppendEntriesRejectsLogInconsistency(t *testing.T) {
	n := newTestNode("n1", nil)
	resp := n.HandleAppendEntries(AppendEntriesMsg{
		Term:            1,
		LeaderID:        "leader",
		PrevLogSequence: 5,
		PrevLogTerm:     1,
	})
	if resp.Success {
		t.Fatalf("expected rejection on missing prev entry")
	}
}

func TestHandleAppendEntriesAppendsAndCommits(t *testing.T) {
	applier := &recordingApplier{}
	n := NewNode(Config{ID: "n1", MinVotesRequired: 2}, clock.NewFake(fixedTime()), noopTransport{}, applier)

	resp := n.HandleAppendEntries(AppendEntriesMsg{
		Term:     1,
		LeaderID: "leader",
		Entries: []LogEntry{
			{Sequence: 1, Term: 1, Payload: []byte("a")},
			{Sequence: 2, Term: 1, Payload: []byte("b")},
		},
		LeaderCommit: 1,
	})
	if !resp.Success || resp.MatchSequence != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if n.CommitIndex() != 1 {
		t.Fatalf("expected commit index 1, got %d", n.CommitIndex())
	}
	if len(applier.applied) != 1 || string(applier.applied[0].Payload) != "a" {
		t.Fatalf("expected only entry 1 applied, got %+v", applier.applied)
	}
}

func TestHandleAppendEntriesStaleTermRejected(t *testing.T) {
	n := newTestNode("n1", nil)
	n.mu.Lock()
	n.term = 5
	n.mu.Unlock()

	resp := n.HandleAppendEntries(AppendEntriesMsg{Term: 2, LeaderID: "stale-leader"})
	if resp.Success {
		t.Fatalf("expected stale-term AppendEntries to be rejected")
	}
	if resp.Term != 5 {
		t.Fatalf("expected response term 5, got %d", resp.Term)
	}
}
