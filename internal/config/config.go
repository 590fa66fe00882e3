// Package config loads process configuration from the environment (and an
// optional .env file) plus the exercise catalog.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/kinetix-coach/internal/logging"
)

const (
	BackendWebsocket = "websocket"
	BackendGenAI     = "genai"

	OutputFFplay  = "ffplay"
	OutputDiscord = "discord"
	OutputNone    = "none"

	DefaultLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// Config is the full runtime configuration for the coach binary.
type Config struct {
	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	LiveBackend  string `env:"LIVE_BACKEND" envDefault:"websocket"`
	LiveURL      string `env:"LIVE_URL"`
	Model        string `env:"LIVE_MODEL" envDefault:"gemini-2.5-flash-native-audio-preview-12-2025"`
	Voice        string `env:"LIVE_VOICE" envDefault:"Fenrir"`

	Exercise         string `env:"EXERCISE" envDefault:"squat"`
	ExerciseCatalog  string `env:"EXERCISE_CATALOG"`
	ExitOnSessionEnd bool   `env:"EXIT_ON_SESSION_END" envDefault:"true"`

	CaptureSampleRate  int  `env:"CAPTURE_SAMPLE_RATE" envDefault:"16000"`
	CaptureBlockSize   int  `env:"CAPTURE_BLOCK_SIZE" envDefault:"4096"`
	PlaybackSampleRate int  `env:"PLAYBACK_SAMPLE_RATE" envDefault:"24000"`
	OutboundQueue      int  `env:"OUTBOUND_QUEUE" envDefault:"8"`
	EchoCancellation   bool `env:"MIC_ECHO_CANCELLATION" envDefault:"true"`
	NoiseSuppression   bool `env:"MIC_NOISE_SUPPRESSION" envDefault:"true"`

	VisionInterval    time.Duration `env:"VISION_INTERVAL" envDefault:"500ms"`
	VisionScale       float64       `env:"VISION_SCALE" envDefault:"0.5"`
	VisionJPEGQuality int           `env:"VISION_JPEG_QUALITY" envDefault:"60"`

	CameraWidth  int    `env:"CAMERA_WIDTH" envDefault:"1280"`
	CameraHeight int    `env:"CAMERA_HEIGHT" envDefault:"720"`
	CameraFPS    int    `env:"CAMERA_FPS" envDefault:"15"`
	CameraDevice string `env:"CAMERA_DEVICE"`
	MicDevice    string `env:"MIC_DEVICE"`
	FFmpegPath   string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`

	PoseURL                string        `env:"POSE_URL"`
	PoseRefreshHz          int           `env:"POSE_REFRESH_HZ" envDefault:"60"`
	PoseTimeout            time.Duration `env:"POSE_TIMEOUT" envDefault:"250ms"`
	PoseModelComplexity    int           `env:"POSE_MODEL_COMPLEXITY" envDefault:"1"`
	PoseSmoothLandmarks    bool          `env:"POSE_SMOOTH_LANDMARKS" envDefault:"true"`
	PoseEnableSegmentation bool          `env:"POSE_ENABLE_SEGMENTATION" envDefault:"false"`
	PoseMinDetection       float64       `env:"POSE_MIN_DETECTION_CONFIDENCE" envDefault:"0.5"`
	PoseMinTracking        float64       `env:"POSE_MIN_TRACKING_CONFIDENCE" envDefault:"0.5"`

	AudioOutput    string `env:"AUDIO_OUTPUT" envDefault:"ffplay"`
	FFplayPath     string `env:"FFPLAY_PATH" envDefault:"ffplay"`
	DiscordToken   string `env:"DISCORD_BOT_TOKEN"`
	GuildID        string `env:"GUILD_ID"`
	VoiceChannelID string `env:"VOICE_CHANNEL_ID"`

	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads .env (when present) and parses the environment into a Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warnw("config: failed to load .env", "err", err)
	}
	return Parse()
}

// Parse reads the current process environment without touching .env.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.GeminiAPIKey == "" {
		cfg.GeminiAPIKey = strings.TrimSpace(os.Getenv("API_KEY"))
	}
	if cfg.LiveURL == "" {
		cfg.LiveURL = DefaultLiveURL
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize replaces out-of-range tuning values with their defaults, logging
// each replacement.
func (c *Config) normalize() {
	intDefault := func(name string, v *int, def, lo, hi int) {
		if *v < lo || *v > hi {
			logging.Warnw("config: value out of range, using default", "name", name, "value", *v, "default", def)
			*v = def
		}
	}
	intDefault("CAPTURE_SAMPLE_RATE", &c.CaptureSampleRate, 16000, 8000, 48000)
	intDefault("CAPTURE_BLOCK_SIZE", &c.CaptureBlockSize, 4096, 256, 16384)
	intDefault("PLAYBACK_SAMPLE_RATE", &c.PlaybackSampleRate, 24000, 8000, 48000)
	intDefault("OUTBOUND_QUEUE", &c.OutboundQueue, 8, 1, 1024)
	intDefault("VISION_JPEG_QUALITY", &c.VisionJPEGQuality, 60, 1, 100)
	intDefault("CAMERA_FPS", &c.CameraFPS, 15, 1, 120)
	intDefault("POSE_REFRESH_HZ", &c.PoseRefreshHz, 60, 1, 240)
	if c.VisionScale <= 0 || c.VisionScale > 1 {
		logging.Warnw("config: value out of range, using default", "name", "VISION_SCALE", "value", c.VisionScale, "default", 0.5)
		c.VisionScale = 0.5
	}
	if c.VisionInterval <= 0 {
		logging.Warnw("config: value out of range, using default", "name", "VISION_INTERVAL", "value", c.VisionInterval, "default", "500ms")
		c.VisionInterval = 500 * time.Millisecond
	}
	if c.PoseTimeout <= 0 {
		c.PoseTimeout = 250 * time.Millisecond
	}
	c.LiveBackend = strings.ToLower(strings.TrimSpace(c.LiveBackend))
	c.AudioOutput = strings.ToLower(strings.TrimSpace(c.AudioOutput))
}

// Validate rejects combinations the binary cannot run with.
func (c Config) Validate() error {
	switch c.LiveBackend {
	case BackendWebsocket, BackendGenAI:
	default:
		return fmt.Errorf("config: unsupported LIVE_BACKEND %q", c.LiveBackend)
	}
	switch c.AudioOutput {
	case OutputFFplay, OutputNone:
	case OutputDiscord:
		if c.DiscordToken == "" || c.GuildID == "" || c.VoiceChannelID == "" {
			return errors.New("config: AUDIO_OUTPUT=discord requires DISCORD_BOT_TOKEN, GUILD_ID and VOICE_CHANNEL_ID")
		}
	default:
		return fmt.Errorf("config: unsupported AUDIO_OUTPUT %q", c.AudioOutput)
	}
	if c.CameraWidth <= 0 || c.CameraHeight <= 0 {
		return fmt.Errorf("config: invalid camera size %dx%d", c.CameraWidth, c.CameraHeight)
	}
	return nil
}
