// Package replication implements the Replication Layer:
// log shipping from the elected Master to every Slave, heartbeats, and
// leader election over a Raft-shaped term/commit-index state machine.
//
// The state machine (term, votedFor, log, commitIndex, per-peer
// nextIndex/matchIndex, the election/heartbeat daemons) follows Raft's
// three-state shape, with Follower/Candidate/Leader renamed to this
// cluster's Slave/Candidate/Master vocabulary. RPCs travel over a
// reconnecting WebSocket link (see transport.go) with ECDSA-signed frames
// (see below) rather than in-process direct method calls.
package replication

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Role is a node's current position in the replication state machine.
// Named Master/Slave/Candidate rather than Raft's Leader/Follower.
type Role int

const (
	RoleSlave Role = iota
	RoleCandidate
	RoleMaster
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "Master"
	case RoleCandidate:
		return "Candidate"
	default:
		return "Slave"
	}
}

// LogEntry is one replicated WAL record, identified by its Master-assigned
// sequence and the term it was appended under.
type LogEntry struct {
	Sequence uint64
	Term     uint64
	Payload  []byte // an encoded storage/record.Record
}

// MessageType tags the replication RPCs.
type MessageType string

const (
	MsgAppendEntries         MessageType = "AppendEntries"
	MsgAppendEntriesResponse MessageType = "AppendEntriesResponse"
	MsgHeartbeat             MessageType = "Heartbeat"
	MsgRequestVote           MessageType = "RequestVote"
	MsgRequestVoteResponse   MessageType = "RequestVoteResponse"
	MsgInstallSnapshot       MessageType = "InstallSnapshot"
)

// AppendEntriesMsg carries a batch of log entries with a consistency
// anchor: the preceding entry's (sequence, term).
type AppendEntriesMsg struct {
	Term            uint64     `json:"term"`
	LeaderID        string     `json:"leader_id"`
	PrevLogSequence uint64     `json:"prev_log_sequence"`
	PrevLogTerm     uint64     `json:"prev_log_term"`
	Entries         []LogEntry `json:"entries"`
	LeaderCommit    uint64     `json:"leader_commit"`
}

// AppendEntriesResponseMsg is a Slave's reply to AppendEntries.
type AppendEntriesResponseMsg struct {
	Term          uint64 `json:"term"`
	Success       bool   `json:"success"`
	MatchSequence uint64 `json:"match_sequence"`
	Error         string `json:"error,omitempty"`
}

// HeartbeatMsg is the Master's periodic liveness/commit-index broadcast.
type HeartbeatMsg struct {
	Term         uint64 `json:"term"`
	LeaderID     string `json:"leader_id"`
	LeaderCommit uint64 `json:"leader_commit"`
	TimestampNs  int64  `json:"ts"`
}

// RequestVoteMsg is a Candidate's solicitation.
type RequestVoteMsg struct {
	Term            uint64 `json:"term"`
	CandidateID     string `json:"candidate_id"`
	LastLogSequence uint64 `json:"last_log_sequence"`
	LastLogTerm     uint64 `json:"last_log_term"`
}

// RequestVoteResponseMsg is a voter's reply.
type RequestVoteResponseMsg struct {
	Term    uint64 `json:"term"`
	Granted bool   `json:"granted"`
}

// InstallSnapshotMsg carries one chunk of a state snapshot to a Slave too
// far behind to catch up via AppendEntries.
type InstallSnapshotMsg struct {
	Term                 uint64 `json:"term"`
	LastIncludedSequence uint64 `json:"last_included_sequence"`
	ChunkIndex           int    `json:"chunk_index"`
	TotalChunks          int    `json:"total_chunks"`
	Data                 []byte `json:"data"`
	IsLast               bool   `json:"is_last"`
}

// Envelope is the signed JSON frame, one per WebSocket message, exchanged over a
// PeerLink: a type tag, the JSON-encoded payload, and an ECDSA signature
// over (Type || Payload) so a Slave can authenticate which Master it is
// replicating from. The signature is a raw keccak256-hash ECDSA signature
// rather than a typed-data scheme, since replication frames are internal
// to this cluster.
type Envelope struct {
	Type      MessageType `json:"type"`
	Payload   []byte      `json:"payload"`
	Signature []byte      `json:"signature"`
}

// Signer signs and verifies Envelope payloads with the cluster's shared
// ECDSA key, configured via ReplicationConfig.SigningKeyHex.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr [20]byte
}

// NewSigner loads a secp256k1 private key from its hex representation.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("replication: parse signing key: %w", err)
	}
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) hash(msgType MessageType, payload []byte) []byte {
	data := append([]byte(msgType), payload...)
	return crypto.Keccak256(data)
}

// Seal builds a signed Envelope around msg.
func (s *Signer) Seal(msgType MessageType, msg any) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("replication: marshal %s: %w", msgType, err)
	}
	sig, err := crypto.Sign(s.hash(msgType, payload), s.key)
	if err != nil {
		return Envelope{}, fmt.Errorf("replication: sign %s: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: payload, Signature: sig}, nil
}

// Verify checks env's signature was produced by one of peerAddrs (the
// addresses of the trusted signing keys; cmd/server passes the address of
// the cluster's shared key).
func (s *Signer) Verify(env Envelope, peerAddrs map[[20]byte]bool) error {
	pub, err := crypto.SigToPub(s.hash(env.Type, env.Payload), env.Signature)
	if err != nil {
		return fmt.Errorf("replication: recover signer: %w", err)
	}
	addr := crypto.PubkeyToAddress(*pub)
	if !peerAddrs[addr] {
		return fmt.Errorf("replication: envelope signed by unrecognized peer %x", addr)
	}
	return nil
}

// Address returns this signer's public address, used to identify this node
// to peers.
func (s *Signer) Address() [20]byte { return s.addr }
