package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetix-coach/internal/coach"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("API_KEY", "fallback-key")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "fallback-key", cfg.GeminiAPIKey)
	assert.Equal(t, BackendWebsocket, cfg.LiveBackend)
	assert.Equal(t, DefaultLiveURL, cfg.LiveURL)
	assert.Equal(t, "Fenrir", cfg.Voice)
	assert.Equal(t, 16000, cfg.CaptureSampleRate)
	assert.Equal(t, 4096, cfg.CaptureBlockSize)
	assert.Equal(t, 24000, cfg.PlaybackSampleRate)
	assert.Equal(t, 500*time.Millisecond, cfg.VisionInterval)
	assert.InDelta(t, 0.5, cfg.VisionScale, 1e-9)
	assert.Equal(t, 60, cfg.VisionJPEGQuality)
	assert.Equal(t, 1280, cfg.CameraWidth)
	assert.Equal(t, 720, cfg.CameraHeight)
	assert.Equal(t, 60, cfg.PoseRefreshHz)
	assert.Equal(t, 1, cfg.PoseModelComplexity)
	assert.True(t, cfg.PoseSmoothLandmarks)
	assert.False(t, cfg.PoseEnableSegmentation)
}

func TestParseOutOfRangeFallsBack(t *testing.T) {
	t.Setenv("VISION_SCALE", "3")
	t.Setenv("CAPTURE_BLOCK_SIZE", "7")
	t.Setenv("VISION_JPEG_QUALITY", "0")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, cfg.VisionScale, 1e-9)
	assert.Equal(t, 4096, cfg.CaptureBlockSize)
	assert.Equal(t, 60, cfg.VisionJPEGQuality)
}

func TestParseRejectsBadValues(t *testing.T) {
	t.Setenv("VISION_INTERVAL", "not-a-duration")
	_, err := Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestValidateDiscordNeedsIDs(t *testing.T) {
	t.Setenv("AUDIO_OUTPUT", "Discord")
	t.Setenv("DISCORD_BOT_TOKEN", "tok")
	_, err := Parse()
	require.Error(t, err)

	t.Setenv("GUILD_ID", "g")
	t.Setenv("VOICE_CHANNEL_ID", "c")
	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, OutputDiscord, cfg.AudioOutput)
}

func TestValidateUnknownBackend(t *testing.T) {
	t.Setenv("LIVE_BACKEND", "carrier-pigeon")
	_, err := Parse()
	require.Error(t, err)
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	p, err := c.Lookup("SQUAT")
	require.NoError(t, err)
	assert.Equal(t, "Bodyweight Squat", p.Name)
	assert.Equal(t, []string{"Keep back straight", "Knees behind toes", "Chest up", "Thighs parallel to floor"}, p.KeyPoints)

	_, err = c.Lookup("plank")
	assert.True(t, errors.Is(err, coach.ErrUnknownExercise))

	assert.Equal(t, []string{"squat", "arm-raises", "lunges"}, ids(c.List()))
}

func TestLoadCatalogOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exercises.yaml")
	data := `exercises:
  - id: squat
    name: Goblet Squat
    description: Hold a weight at the chest.
    key_points: [Elbows inside knees, Heels down]
  - id: plank
    name: Plank
    key_points: [Straight line from head to heels]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	p, err := c.Lookup("squat")
	require.NoError(t, err)
	assert.Equal(t, "Goblet Squat", p.Name)
	assert.Equal(t, []string{"Elbows inside knees", "Heels down"}, p.KeyPoints)
	assert.Equal(t, []string{"squat", "arm-raises", "lunges", "plank"}, ids(c.List()))
}

func TestLoadCatalogRejectsIncompleteEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exercises:\n  - name: No ID\n"), 0o644))
	_, err := LoadCatalog(path)
	require.Error(t, err)
}

func ids(ps []coach.Profile) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}
