// transport.go implements Transport over a persistent WebSocket link to
// each peer: one long-lived connection per peer, auto-reconnect with
// exponential backoff (1s -> 30s max), and a read deadline that forces a
// reconnect if the peer goes silent. A PeerLink is request/response
// (AppendEntries, RequestVote) plus fire-and-forget (Heartbeat), so it pairs
// every outbound frame with a correlation ID and dispatches the matching
// inbound frame to whichever goroutine is waiting.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	peerReadTimeout  = 90 * time.Second
	peerWriteTimeout = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	rpcTimeout       = 2 * time.Second
)

// frame is the wire envelope PeerLink exchanges with its peer: a signed
// Envelope plus a correlation ID so responses can be matched to the request
// that triggered them. Heartbeats carry CorrelationID == 0 and expect no
// reply.
type frame struct {
	CorrelationID uint64   `json:"correlation_id"`
	Envelope      Envelope `json:"envelope"`
}

// PeerLink is the Transport-facing connection to one peer. The replication
// group runs one PeerLink per peer; either side may dial, and in practice
// the Master dials every Slave.
type PeerLink struct {
	url    string
	signer *Signer
	peers  map[[20]byte]bool
	log    *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[uint64]chan Envelope
	nextCorr  uint64

	inbound InboundHandler
}

// InboundHandler dispatches a decoded request Envelope arriving from a peer
// to the local Node and returns the Envelope to send back (AppendEntries,
// RequestVote), or nil for a fire-and-forget message (Heartbeat).
type InboundHandler interface {
	HandleEnvelope(env Envelope) (*Envelope, error)
}

// NewPeerLink creates a link that will dial url once Run starts.
func NewPeerLink(url string, signer *Signer, knownPeers map[[20]byte]bool, inbound InboundHandler, log *slog.Logger) *PeerLink {
	if log == nil {
		log = slog.Default()
	}
	return &PeerLink{
		url:     url,
		signer:  signer,
		peers:   knownPeers,
		inbound: inbound,
		log:     log,
		pending: make(map[uint64]chan Envelope),
	}
}

// Run dials and maintains the connection with exponential backoff until ctx
// is cancelled, mirroring WSFeed.Run.
func (p *PeerLink) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := p.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("replication: peer link disconnected, reconnecting", "peer", p.url, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (p *PeerLink) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()
	defer func() {
		p.connMu.Lock()
		conn.Close()
		p.conn = nil
		p.connMu.Unlock()
	}()

	p.log.Info("replication: peer link connected", "peer", p.url)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(peerReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		p.dispatch(data)
	}
}

func (p *PeerLink) dispatch(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		p.log.Debug("replication: ignoring malformed frame", "error", err)
		return
	}
	if err := p.signer.Verify(f.Envelope, p.peers); err != nil {
		p.log.Warn("replication: rejecting unverified frame", "error", err)
		return
	}

	// A response to an outstanding request: match by correlation ID.
	p.pendingMu.Lock()
	ch, waiting := p.pending[f.CorrelationID]
	if waiting {
		delete(p.pending, f.CorrelationID)
	}
	p.pendingMu.Unlock()
	if waiting {
		ch <- f.Envelope
		return
	}

	// Otherwise it's an inbound request or a fire-and-forget heartbeat.
	if p.inbound == nil {
		return
	}
	reply, err := p.inbound.HandleEnvelope(f.Envelope)
	if err != nil {
		p.log.Warn("replication: inbound handler error", "type", f.Envelope.Type, "error", err)
		return
	}
	if reply == nil {
		return
	}
	p.writeFrame(frame{CorrelationID: f.CorrelationID, Envelope: *reply})
}

func (p *PeerLink) writeFrame(f frame) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("replication: peer link not connected")
	}
	p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	return p.conn.WriteJSON(f)
}

func (p *PeerLink) call(msgType MessageType, msg any) (Envelope, error) {
	env, err := p.signer.Seal(msgType, msg)
	if err != nil {
		return Envelope{}, err
	}

	p.pendingMu.Lock()
	p.nextCorr++
	corr := p.nextCorr
	ch := make(chan Envelope, 1)
	p.pending[corr] = ch
	p.pendingMu.Unlock()

	if err := p.writeFrame(frame{CorrelationID: corr, Envelope: env}); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, corr)
		p.pendingMu.Unlock()
		return Envelope{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(rpcTimeout):
		p.pendingMu.Lock()
		delete(p.pending, corr)
		p.pendingMu.Unlock()
		return Envelope{}, fmt.Errorf("replication: rpc %s timed out", msgType)
	}
}

// SendAppendEntries implements Transport for one peer's link.
func (p *PeerLink) SendAppendEntries(_ string, msg AppendEntriesMsg) (AppendEntriesResponseMsg, error) {
	env, err := p.call(MsgAppendEntries, msg)
	if err != nil {
		return AppendEntriesResponseMsg{}, err
	}
	var resp AppendEntriesResponseMsg
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return AppendEntriesResponseMsg{}, fmt.Errorf("replication: decode AppendEntriesResponse: %w", err)
	}
	return resp, nil
}

// SendRequestVote implements Transport for one peer's link.
func (p *PeerLink) SendRequestVote(_ string, msg RequestVoteMsg) (RequestVoteResponseMsg, error) {
	env, err := p.call(MsgRequestVote, msg)
	if err != nil {
		return RequestVoteResponseMsg{}, err
	}
	var resp RequestVoteResponseMsg
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return RequestVoteResponseMsg{}, fmt.Errorf("replication: decode RequestVoteResponse: %w", err)
	}
	return resp, nil
}

// SendHeartbeat implements Transport; heartbeats are fire-and-forget and
// never block waiting for a reply.
func (p *PeerLink) SendHeartbeat(_ string, msg HeartbeatMsg) {
	env, err := p.signer.Seal(MsgHeartbeat, msg)
	if err != nil {
		p.log.Warn("replication: seal heartbeat", "error", err)
		return
	}
	if err := p.writeFrame(frame{Envelope: env}); err != nil {
		p.log.Debug("replication: heartbeat send failed", "error", err)
	}
}

// PeerRouter fans out an inbound Envelope on the listener side to the Node's
// own handlers and seals the reply. It is the InboundHandler every accepted
// PeerLink connection shares.
type PeerRouter struct {
	node   *Node
	daemon *Daemon
	signer *Signer
}

// NewPeerRouter wires a router that dispatches decoded RPCs to node/daemon.
func NewPeerRouter(node *Node, daemon *Daemon, signer *Signer) *PeerRouter {
	return &PeerRouter{node: node, daemon: daemon, signer: signer}
}

func (r *PeerRouter) HandleEnvelope(env Envelope) (*Envelope, error) {
	switch env.Type {
	case MsgAppendEntries:
		var msg AppendEntriesMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, err
		}
		resp := r.node.HandleAppendEntries(msg)
		out, err := r.signer.Seal(MsgAppendEntriesResponse, resp)
		return &out, err

	case MsgRequestVote:
		var msg RequestVoteMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, err
		}
		resp := r.node.HandleRequestVote(msg)
		out, err := r.signer.Seal(MsgRequestVoteResponse, resp)
		return &out, err

	case MsgHeartbeat:
		var msg HeartbeatMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, err
		}
		r.node.HandleHeartbeat(msg, r.daemon)
		return nil, nil

	default:
		return nil, fmt.Errorf("replication: unexpected inbound message type %s", env.Type)
	}
}

// ListenAndServe accepts peer connections on addr and upgrades each to a
// PeerLink driven by router, for the side that does not dial out.
func ListenAndServe(ctx context.Context, addr string, signer *Signer, knownPeers map[[20]byte]bool, router *PeerRouter, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/replication", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("replication: upgrade failed", "error", err)
			return
		}
		link := &PeerLink{signer: signer, peers: knownPeers, inbound: router, log: log, pending: make(map[uint64]chan Envelope)}
		link.conn = conn
		go func() {
			defer conn.Close()
			for {
				if ctx.Err() != nil {
					return
				}
				conn.SetReadDeadline(time.Now().Add(peerReadTimeout))
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				link.dispatch(data)
			}
		}()
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// MultiTransport implements Transport by keying outbound peer IDs into
// individual PeerLinks, since Node addresses peers by ID while each
// PeerLink owns exactly one connection.
type MultiTransport struct {
	links map[string]*PeerLink
}

// NewMultiTransport wires links (one dialed PeerLink per configured peer ID)
// into a single Transport for Node.
func NewMultiTransport(links map[string]*PeerLink) *MultiTransport {
	return &MultiTransport{links: links}
}

func (m *MultiTransport) SendAppendEntries(peer string, msg AppendEntriesMsg) (AppendEntriesResponseMsg, error) {
	link, ok := m.links[peer]
	if !ok {
		return AppendEntriesResponseMsg{}, fmt.Errorf("replication: no link to peer %s", peer)
	}
	return link.SendAppendEntries(peer, msg)
}

func (m *MultiTransport) SendRequestVote(peer string, msg RequestVoteMsg) (RequestVoteResponseMsg, error) {
	link, ok := m.links[peer]
	if !ok {
		return RequestVoteResponseMsg{}, fmt.Errorf("replication: no link to peer %s", peer)
	}
	return link.SendRequestVote(peer, msg)
}

func (m *MultiTransport) SendHeartbeat(peer string, msg HeartbeatMsg) {
	if link, ok := m.links[peer]; ok {
		link.SendHeartbeat(peer, msg)
	}
}
