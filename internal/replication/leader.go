package replication

import "sort"

// ReplicateOnce forms one AppendEntries batch per peer (≤100 entries) and
// ships it, advancing match_index on success or decrementing next_index
// and letting the next call retry on failure. Intended to be called periodically (e.g. alongside
// heartbeats) or immediately after AppendLocal.
func (n *Node) ReplicateOnce(batchSize int) {
	n.mu.Lock()
	if n.role != RoleMaster {
		n.mu.Unlock()
		return
	}
	term := n.term
	peers := append([]string(nil), n.peers...)
	n.mu.Unlock()

	for _, peer := range peers {
		n.replicateToPeer(peer, term, batchSize)
	}

	n.mu.Lock()
	n.advanceCommitIndexLocked()
	n.mu.Unlock()
}

func (n *Node) replicateToPeer(peer string, term uint64, batchSize int) {
	n.mu.Lock()
	next := n.nextIndex[peer]
	prevEntry, havePrev := n.entryAt(next - 1)
	prevTerm := uint64(0)
	if havePrev {
		prevTerm = prevEntry.Term
	}
	entries := n.entriesAfter(next-1, batchSize)
	leaderCommit := n.commitIndex
	n.mu.Unlock()

	resp, err := n.transport.SendAppendEntries(peer, AppendEntriesMsg{
		Term:            term,
		LeaderID:        n.id,
		PrevLogSequence: next - 1,
		PrevLogTerm:     prevTerm,
		Entries:         entries,
		LeaderCommit:    leaderCommit,
	})
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.observeTermLocked(resp.Term) {
		return
	}
	if resp.Success {
		n.matchIndex[peer] = resp.MatchSequence
		n.nextIndex[peer] = resp.MatchSequence + 1
	} else if n.nextIndex[peer] > 1 {
		n.nextIndex[peer]--
	}
}

// advanceCommitIndexLocked advances commitIndex to the median of every
// match_index (majority quorum). Caller
// must hold n.mu.
func (n *Node) advanceCommitIndexLocked() {
	matches := make([]uint64, 0, len(n.matchIndex)+1)
	lastSeq, _ := n.lastLogSequenceTermLocked()
	matches = append(matches, lastSeq) // the master's own log counts as matched
	for _, m := range n.matchIndex {
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })

	medianIdx := (len(matches) - 1) / 2
	candidate := matches[medianIdx]
	if candidate > n.commitIndex {
		if entry, ok := n.entryAt(candidate); ok && entry.Term == n.term {
			n.commitIndex = candidate
		}
	}
}

// HandleAppendEntries implements the Slave side of log replication:
// reject a stale term, reject on a consistency-anchor
// mismatch, else append and advance the commit index.
func (n *Node) HandleAppendEntries(msg AppendEntriesMsg) AppendEntriesResponseMsg {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.observeTermLocked(msg.Term)
	if msg.Term < n.term {
		return AppendEntriesResponseMsg{Term: n.term, Success: false, Error: "stale term"}
	}
	n.role = RoleSlave

	if msg.PrevLogSequence > 0 {
		entry, ok := n.entryAt(msg.PrevLogSequence)
		if !ok || entry.Term != msg.PrevLogTerm {
			return AppendEntriesResponseMsg{Term: n.term, Success: false, Error: "log inconsistency"}
		}
	}

	for _, e := range msg.Entries {
		n.appendOrOverwriteLocked(e)
	}

	lastSeq, _ := n.lastLogSequenceTermLocked()
	if msg.LeaderCommit > n.commitIndex {
		if msg.LeaderCommit < lastSeq {
			n.commitIndex = msg.LeaderCommit
		} else {
			n.commitIndex = lastSeq
		}
		n.applyCommittedLocked()
	}

	return AppendEntriesResponseMsg{Term: n.term, Success: true, MatchSequence: lastSeq}
}

// appendOrOverwriteLocked appends e, truncating any conflicting suffix
// first.
func (n *Node) appendOrOverwriteLocked(e LogEntry) {
	for i, existing := range n.log {
		if existing.Sequence == e.Sequence {
			if existing.Term != e.Term {
				n.log = append(n.log[:i], e)
			}
			return
		}
	}
	n.log = append(n.log, e)
}

// applyCommittedLocked applies every log entry up to commitIndex that has
// not yet been applied to local durable state (write to WAL + MemTable via
// the injected Applier). Caller must hold n.mu.
func (n *Node) applyCommittedLocked() {
	if n.applier == nil {
		return
	}
	for _, e := range n.log {
		if e.Sequence > n.lastApplied && e.Sequence <= n.commitIndex {
			if err := n.applier.Apply(e); err == nil {
				n.lastApplied = e.Sequence
			} else {
				break
			}
		}
	}
}
