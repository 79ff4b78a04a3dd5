package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/substrate/config"
	"github.com/zsiec/substrate/demux"
	"github.com/zsiec/substrate/dispatch"
	"github.com/zsiec/substrate/ingest"
	"github.com/zsiec/substrate/media"
	"github.com/zsiec/substrate/platform"
	"github.com/zsiec/substrate/session"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level := parseLevel(cfg.Logging.Level)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("substrate starting",
		"version", version,
		"srt", cfg.Ingest.SRTAddr,
		"quota_bytes", cfg.Buffer.QuotaBytes,
		"resume_replay", cfg.Player.ReplayEnabled(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runner := dispatch.NewRunner(nil)
	demuxer := demux.NewDemuxer(cfg.Buffer.QuotaBytes, nil)
	sim := platform.NewSimulator(nil)

	sessCh := make(chan *session.Session, 1)
	runner.Post(func() {
		sess, err := session.New(session.Config{
			Runner:          runner,
			Platform:        sim,
			Demuxer:         demuxer,
			Audio:           media.AudioConfig{Codec: "aac", SampleRate: 48000, Channels: 2},
			Video:           media.VideoConfig{Codec: "h264", Width: 1920, Height: 1080},
			ResumeReplay:    cfg.Player.ReplayEnabled(),
			EvictExtraBytes: cfg.Buffer.EvictExtraBytes,
			MaxAppendChunk:  cfg.Buffer.MaxAppendChunkBytes,
			Duration:        math.Inf(1),
		})
		if err != nil {
			slog.Error("failed to create session", "error", err)
			cancel()
			return
		}
		if _, err := sess.AddTrack("audio", media.Audio); err != nil {
			slog.Error("failed to add audio track", "error", err)
		}
		if _, err := sess.AddTrack("video", media.Video); err != nil {
			slog.Error("failed to add video track", "error", err)
		}
		sessCh <- sess
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := runner.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	var sess *session.Session
	select {
	case sess = <-sessCh:
	case <-ctx.Done():
		slog.Error("session setup did not complete")
		os.Exit(1)
	}

	srtSrv := ingest.NewServer(cfg.Ingest.SRTAddr, sess, nil)
	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	// SIGUSR1 suspends the player (full platform teardown), SIGUSR2
	// resumes it with cached-buffer replay.
	suspendCh := make(chan os.Signal, 1)
	signal.Notify(suspendCh, syscall.SIGUSR1, syscall.SIGUSR2)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case sig := <-suspendCh:
				if sig == syscall.SIGUSR1 {
					slog.Info("suspend requested")
					runner.Post(sess.Suspend)
				} else {
					slog.Info("resume requested")
					runner.Post(sess.Resume)
				}
			}
		}
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("exiting with error", "error", err)
		os.Exit(1)
	}

	runner.Post(sess.Close)
	runner.Drain()
	slog.Info("substrate stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
