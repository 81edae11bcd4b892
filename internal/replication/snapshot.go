// snapshot.go implements the InstallSnapshot path: when a Slave's
// next_index falls behind the Master's earliest retained WAL sequence, it
// can no longer catch up via AppendEntries and instead pulls a full state
// snapshot in fixed-size chunks.
//
// The Slave pulls chunks with a resty.Client configured with retry and
// backoff (3 retries, 500ms-5s backoff on 5xx). The Master side serves
// chunks from a small net/http handler, since it is the serving end of
// the exchange.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const snapshotChunkSize = 1 << 20 // 1 MiB per chunk

// SnapshotSource produces the Master's current durable state as a single
// byte blob (opaque to this package; StorageSnapshotSource packs the live
// SSTable and WAL files) along with the WAL sequence it was taken at.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (data []byte, lastIncludedSequence uint64, err error)
}

// SnapshotSink installs a fully-received snapshot into local durable state,
// replacing anything the Slave currently has.
type SnapshotSink interface {
	InstallSnapshot(ctx context.Context, data []byte, lastIncludedSequence uint64) error
}

// SnapshotServer exposes a Master's SnapshotSource over HTTP so Slaves can
// pull chunks with ordinary retrying REST calls instead of a custom binary
// protocol over the replication WebSocket link.
type SnapshotServer struct {
	source SnapshotSource
	log    *slog.Logger
}

// NewSnapshotServer wraps source for HTTP serving.
func NewSnapshotServer(source SnapshotSource, log *slog.Logger) *SnapshotServer {
	if log == nil {
		log = slog.Default()
	}
	return &SnapshotServer{source: source, log: log}
}

// Handler serves GET /snapshot/meta (total chunk count + last_included_sequence)
// and GET /snapshot/chunk?index=N.
func (s *SnapshotServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot/meta", s.handleMeta)
	mux.HandleFunc("/snapshot/chunk", s.handleChunk)
	return mux
}

func (s *SnapshotServer) handleMeta(w http.ResponseWriter, r *http.Request) {
	data, lastSeq, err := s.source.Snapshot(r.Context())
	if err != nil {
		s.log.Error("replication: snapshot source failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total := (len(data) + snapshotChunkSize - 1) / snapshotChunkSize
	if total == 0 {
		total = 1
	}
	fmt.Fprintf(w, "%d %d %d", lastSeq, total, len(data))
}

func (s *SnapshotServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil || idx < 0 {
		http.Error(w, "bad index", http.StatusBadRequest)
		return
	}
	data, _, err := s.source.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	start := idx * snapshotChunkSize
	if start >= len(data) {
		http.Error(w, "chunk out of range", http.StatusNotFound)
		return
	}
	end := start + snapshotChunkSize
	if end > len(data) {
		end = len(data)
	}
	w.Write(data[start:end])
}

// SnapshotClient pulls a full snapshot from a Master's SnapshotServer and
// installs it via sink.
type SnapshotClient struct {
	http *resty.Client
	sink SnapshotSink
	log  *slog.Logger
}

// NewSnapshotClient builds a retrying REST client against baseURL, mirroring
// exchange.NewClient's resty configuration (3 retries, 500ms-5s backoff,
// retry on transport error or 5xx).
func NewSnapshotClient(baseURL string, sink SnapshotSink, log *slog.Logger) *SnapshotClient {
	if log == nil {
		log = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &SnapshotClient{http: httpClient, sink: sink, log: log}
}

// Pull fetches every chunk in sequence and installs the reassembled
// snapshot via the configured SnapshotSink.
func (c *SnapshotClient) Pull(ctx context.Context) error {
	var lastSeq, total, totalBytes int64
	resp, err := c.http.R().SetContext(ctx).Get("/snapshot/meta")
	if err != nil {
		return fmt.Errorf("replication: fetch snapshot meta: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("replication: snapshot meta status %d: %s", resp.StatusCode(), resp.String())
	}
	if _, err := fmt.Sscanf(resp.String(), "%d %d %d", &lastSeq, &total, &totalBytes); err != nil {
		return fmt.Errorf("replication: parse snapshot meta: %w", err)
	}

	data := make([]byte, 0, totalBytes)
	for i := int64(0); i < total; i++ {
		resp, err := c.http.R().SetContext(ctx).SetQueryParam("index", strconv.FormatInt(i, 10)).Get("/snapshot/chunk")
		if err != nil {
			return fmt.Errorf("replication: fetch chunk %d: %w", i, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("replication: chunk %d status %d", i, resp.StatusCode())
		}
		data = append(data, resp.Body()...)
	}

	c.log.Info("replication: installing snapshot", "last_included_sequence", lastSeq, "bytes", len(data))
	return c.sink.InstallSnapshot(ctx, data, uint64(lastSeq))
}
