// Package ingest accepts framed segment bytes over SRT and feeds them into
// a session's append path. Network appends go through exactly the same
// quota and backpressure machinery as local ones.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"
)

// srtReadBufferSize is the read buffer for SRT socket reads. Each read's
// payload becomes one append; the demuxer reassembles frames split across
// reads.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Sink receives segment bytes for a track id, from the server's connection
// goroutines.
type Sink interface {
	PostAppend(id string, data []byte)
}

// Server accepts incoming SRT publish connections. The connection's stream
// ID names the track the publisher appends into.
type Server struct {
	log  *slog.Logger
	addr string
	sink Sink
}

// NewServer creates an SRT append server on addr feeding sink. If log is
// nil, slog.Default() is used.
func NewServer(addr string, sink Sink, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:  log.With("component", "srt-ingest"),
		addr: addr,
		sink: sink,
	}
}

// Start accepts publish connections until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		trackID := extractTrackID(conn.StreamID())
		s.log.Info("publish", "track", trackID, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, trackID)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, trackID string) {
	defer conn.Close()

	var total int64
	buf := make([]byte, srtReadBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read error", "track", trackID, "error", err)
			}
			break
		}
		total += int64(n)
		s.sink.PostAppend(trackID, buf[:n])
	}

	s.log.Info("connection closed", "track", trackID, "bytes", total)
}

func extractTrackID(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
