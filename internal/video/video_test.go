package video

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deepfake-detector/internal/config"
	"github.com/sells-group/deepfake-detector/internal/model"
)

func testOpts() Options {
	return OptionsFromConfig(config.VideoConfig{
		FPS:             1,
		MaxFrames:       30,
		MaxDurationSecs: 30,
		MaxBytes:        50 * 1024 * 1024,
		AllowedFormats:  []string{"mp4", "avi", "mov"},
	})
}

func TestValidate(t *testing.T) {
	ok := &model.VideoInfo{Duration: 12.5, FPS: 30}

	tests := []struct {
		name     string
		filename string
		size     int64
		info     *model.VideoInfo
		msg      string
	}{
		{"valid", "clip.mp4", 1024, ok, ""},
		{"upper case extension", "CLIP.MOV", 1024, ok, ""},
		{"bad format", "clip.mkv", 1024, ok, `format "mkv" not allowed`},
		{"empty", "clip.mp4", 0, ok, "empty upload"},
		{"too large", "clip.avi", 51 * 1024 * 1024, ok, "exceeds limit"},
		{"no info", "clip.mp4", 1024, nil, "missing stream info"},
		{"zero fps", "clip.mp4", 1024, &model.VideoInfo{Duration: 5}, "frame rate"},
		{"too long", "clip.mp4", 1024, &model.VideoInfo{Duration: 31, FPS: 24}, "duration 31.0s exceeds limit of 30s"},
		{"at duration limit", "clip.mp4", 1024, &model.VideoInfo{Duration: 30, FPS: 24}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.filename, tt.size, tt.info, testOpts())
			if tt.msg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidVideo)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{
		"streams": [{
			"codec_name": "h264",
			"width": 1280,
			"height": 720,
			"r_frame_rate": "30000/1001",
			"avg_frame_rate": "30000/1001",
			"nb_frames": "300",
			"duration": "10.010000"
		}],
		"format": {"duration": "10.027000", "size": "2048000"}
	}`)

	info, err := parseProbe(out)
	require.NoError(t, err)
	assert.Equal(t, "h264", info.Codec)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
	assert.InDelta(t, 29.97, info.FPS, 0.01)
	assert.InDelta(t, 10.01, info.Duration, 1e-9)
	assert.Equal(t, 300, info.FrameCount)
	assert.Equal(t, int64(2048000), info.Size)
}

func TestParseProbe_Fallbacks(t *testing.T) {
	out := []byte(`{
		"streams": [{"width": 640, "height": 480, "r_frame_rate": "25/1", "avg_frame_rate": "0/0"}],
		"format": {"duration": "4.0"}
	}`)

	info, err := parseProbe(out)
	require.NoError(t, err)
	assert.InDelta(t, 25, info.FPS, 1e-9)
	assert.InDelta(t, 4, info.Duration, 1e-9)
	assert.Equal(t, 100, info.FrameCount)
}

func TestParseProbe_Errors(t *testing.T) {
	_, err := parseProbe([]byte("nope"))
	assert.ErrorContains(t, err, "decode ffprobe output")

	_, err = parseProbe([]byte(`{"streams": []}`))
	assert.ErrorIs(t, err, ErrInvalidVideo)
}

func TestParseRate(t *testing.T) {
	assert.InDelta(t, 24, parseRate("24"), 1e-9)
	assert.InDelta(t, 12.5, parseRate("25/2"), 1e-9)
	assert.Zero(t, parseRate("0/0"))
	assert.Zero(t, parseRate(""))
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_002.jpg", "frame_000.png", "frame_001.jpg", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o700))

	frames, err := DirSource{Dir: dir, FPS: 2}.Frames(context.Background())
	require.NoError(t, err)
	require.Len(t, frames, 3)

	for i, f := range frames {
		assert.Equal(t, i, f.Index)
		assert.InDelta(t, float64(i)/2, f.Timestamp, 1e-9)
	}
	assert.Equal(t, "frame_000.png", frames[0].Image.Filename)
	assert.Equal(t, "image/png", frames[0].Image.MIMEType)
	assert.Equal(t, "image/jpeg", frames[2].Image.MIMEType)
	assert.Equal(t, []byte("frame_002.jpg"), frames[2].Image.Data)
}

func TestDirSource_MaxFrames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	frames, err := DirSource{Dir: dir, MaxFrames: 2}.Frames(context.Background())
	require.NoError(t, err)
	assert.Len(t, frames, 2)
}

func TestDirSource_Empty(t *testing.T) {
	_, err := DirSource{Dir: t.TempDir()}.Frames(context.Background())
	assert.ErrorIs(t, err, ErrNoFrames)

	_, err = DirSource{Dir: filepath.Join(t.TempDir(), "missing")}.Frames(context.Background())
	assert.Error(t, err)
}

func TestFFmpeg_Errors(t *testing.T) {
	f := NewFFmpeg("/nonexistent/ffmpeg", "/nonexistent/ffprobe", t.TempDir())

	_, err := f.Probe(context.Background(), "clip.mp4")
	assert.ErrorContains(t, err, "ffprobe failed")

	_, err = f.Extract(context.Background(), "clip.mp4", 0, 10)
	assert.ErrorContains(t, err, "fps must be positive")

	_, err = f.Extract(context.Background(), "clip.mp4", 1, 10)
	assert.ErrorContains(t, err, "ffmpeg failed")
}
