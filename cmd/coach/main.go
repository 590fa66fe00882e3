package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kinetix-coach/internal/audio"
	"github.com/kinetix-coach/internal/config"
	"github.com/kinetix-coach/internal/live"
	"github.com/kinetix-coach/internal/logging"
	"github.com/kinetix-coach/internal/mcp"
	"github.com/kinetix-coach/internal/media"
	"github.com/kinetix-coach/internal/metrics"
	"github.com/kinetix-coach/internal/pose"
	"github.com/kinetix-coach/internal/server"
	"github.com/kinetix-coach/internal/session"
	"github.com/kinetix-coach/internal/vision"
	"github.com/kinetix-coach/internal/voice"
)

var version = "dev"

var errSessionEnded = errors.New("session ended")

func main() {
	logging.Init()
	defer func() { _ = logging.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logging.FatalExitf("config load failed", "err", err)
	}
	catalog, err := config.LoadCatalog(cfg.ExerciseCatalog)
	if err != nil {
		logging.FatalExitf("exercise catalog load failed", "path", cfg.ExerciseCatalog, "err", err)
	}
	if _, err := catalog.Lookup(cfg.Exercise); err != nil {
		logging.FatalExitf("unknown EXERCISE", "exercise", cfg.Exercise, "available", catalog.IDs())
	}

	m := metrics.New("kinetix")

	newOutput, closeOutput, err := outputFactory(cfg)
	if err != nil {
		logging.FatalExitf("audio output setup failed", "output", cfg.AudioOutput, "err", err)
	}

	surface := pose.NewImageSurface(pose.DefaultStyle())
	deps := session.Deps{
		Gate: media.NewGate(media.NewFFmpegDevices(cfg.FFmpegPath)),
		Constraints: media.Constraints{
			Camera: media.CameraConstraints{Width: cfg.CameraWidth, Height: cfg.CameraHeight, FPS: cfg.CameraFPS, Device: cfg.CameraDevice},
			Microphone: media.MicConstraints{
				SampleRate:       cfg.CaptureSampleRate,
				EchoCancellation: cfg.EchoCancellation,
				NoiseSuppression: cfg.NoiseSuppression,
				Device:           cfg.MicDevice,
			},
		},
		Live:         liveService(cfg),
		Model:        cfg.Model,
		Voice:        cfg.Voice,
		BlockSize:    cfg.CaptureBlockSize,
		QueueSize:    cfg.OutboundQueue,
		PlaybackRate: cfg.PlaybackSampleRate,
		NewOutput:    newOutput,
		Vision:       vision.Options{Interval: cfg.VisionInterval, Scale: cfg.VisionScale, Quality: cfg.VisionJPEGQuality},
		NewEstimator: estimatorFactory(cfg),
		NewDisplay:   func() pose.Display { return pose.NewTickerDisplay(cfg.PoseRefreshHz) },
		Surface:      surface,
		PoseTimeout:  cfg.PoseTimeout,
		Metrics:      m,
	}
	mgr := session.NewManager(deps, catalog)

	api := server.New(mgr, server.Options{
		Metrics: m.Handler(),
		Overlay: surface,
		MCP:     mcp.Handler(mcp.NewServer(mgr, version)),
	})
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Infow("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		startCtx, cancel := context.WithTimeout(gctx, time.Minute)
		defer cancel()
		s, err := mgr.Start(startCtx, cfg.Exercise)
		if err != nil {
			logging.Errorw("initial session failed to start", "exercise", cfg.Exercise, "err", err)
			if cfg.ExitOnSessionEnd {
				return err
			}
			// the control surface stays up so a client can retry
			return nil
		}
		logging.Infow("coaching session live", logging.SessionFields(s.ID(), cfg.Exercise)...)
		if !cfg.ExitOnSessionEnd {
			return nil
		}
		select {
		case <-s.Done():
			logging.Infow("coaching session ended", "state", s.State().String())
			return errSessionEnded
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logging.Infow("shutdown signal received, closing resources")
		if err := mgr.Close(); err != nil {
			logging.Warnw("session close error", "err", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	closeOutput()
	if err != nil && !errors.Is(err, errSessionEnded) {
		logging.Errorw("coach exited with error", "err", err)
		_ = logging.Sync()
		os.Exit(1)
	}
	logging.Infow("shutdown complete")
}

func liveService(cfg config.Config) live.Service {
	if cfg.GeminiAPIKey == "" {
		logging.Warnw("GEMINI_API_KEY not set; connections will be rejected")
	}
	if cfg.LiveBackend == config.BackendGenAI {
		return live.NewGenAIService(cfg.GeminiAPIKey)
	}
	return live.NewWSService(cfg.LiveURL, cfg.GeminiAPIKey)
}

func estimatorFactory(cfg config.Config) func() (pose.Estimator, error) {
	if cfg.PoseURL == "" {
		logging.Infow("POSE_URL not set; overlay disabled")
		return func() (pose.Estimator, error) { return &pose.NopEstimator{}, nil }
	}
	opts := pose.Options{
		ModelComplexity:        cfg.PoseModelComplexity,
		SmoothLandmarks:        cfg.PoseSmoothLandmarks,
		EnableSegmentation:     cfg.PoseEnableSegmentation,
		MinDetectionConfidence: cfg.PoseMinDetection,
		MinTrackingConfidence:  cfg.PoseMinTracking,
	}
	return func() (pose.Estimator, error) {
		return pose.NewHTTPEstimator(cfg.PoseURL, opts, nil)
	}
}

// outputFactory picks the playback sink. A discord link is joined once and
// shared by every session; the returned func releases it.
func outputFactory(cfg config.Config) (func(rate int) (audio.OutputContext, error), func(), error) {
	switch cfg.AudioOutput {
	case config.OutputNone:
		return func(rate int) (audio.OutputContext, error) {
			return audio.NewContext(rate, audio.DiscardSink{}), nil
		}, func() {}, nil
	case config.OutputDiscord:
		link, err := voice.Join(cfg.DiscordToken, cfg.GuildID, cfg.VoiceChannelID, nil)
		if err != nil {
			return nil, nil, err
		}
		release := func() {
			if err := link.Close(); err != nil {
				logging.Warnw("discord link close error", "err", err)
			}
		}
		return func(rate int) (audio.OutputContext, error) {
			sink, err := voice.NewDiscordSink(link, rate)
			if err != nil {
				return nil, err
			}
			return audio.NewContext(rate, sink), nil
		}, release, nil
	default:
		return func(rate int) (audio.OutputContext, error) {
			sink, err := audio.NewFFplaySink(cfg.FFplayPath, rate)
			if err != nil {
				return nil, err
			}
			return audio.NewContext(rate, sink), nil
		}, func() {}, nil
	}
}
