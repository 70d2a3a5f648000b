package video

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deepfake-detector/internal/model"
)

// FFmpeg probes videos and samples frames using the ffprobe and ffmpeg CLIs.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	tempDir     string
}

// NewFFmpeg creates an FFmpeg runner. Empty paths fall back to the binaries on PATH.
func NewFFmpeg(ffmpegPath, ffprobePath, tempDir string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, tempDir: tempDir}
}

// Probe reads stream info for the first video stream in path.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*model.VideoInfo, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height,r_frame_rate,avg_frame_rate,nb_frames,duration:format=duration,size",
		"-of", "json",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "video: ffprobe failed for %s: %s", path, stderr.String())
	}
	return parseProbe(stdout.Bytes())
}

// Extract samples frames at fps into a temporary directory and loads them.
// At most maxFrames frames are returned when maxFrames is positive.
func (f *FFmpeg) Extract(ctx context.Context, path string, fps float64, maxFrames int) ([]model.Frame, error) {
	if fps <= 0 {
		return nil, eris.Errorf("video: fps must be positive, got %v", fps)
	}

	dir, err := os.MkdirTemp(f.tempDir, "frames-*")
	if err != nil {
		return nil, eris.Wrap(err, "video: create frames dir")
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			zap.L().Warn("video: failed to remove frames dir", zap.String("dir", dir), zap.Error(rmErr))
		}
	}()

	args := []string{
		"-v", "error",
		"-i", path,
		"-vf", "fps=" + strconv.FormatFloat(fps, 'f', -1, 64),
	}
	if maxFrames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(maxFrames))
	}
	args = append(args, "-q:v", "2", dir+"/frame_%05d.jpg")

	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "video: ffmpeg failed for %s: %s", path, stderr.String())
	}

	return readFrames(ctx, dir, fps, maxFrames)
}

type probeOutput struct {
	Streams []struct {
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
}

func parseProbe(data []byte) (*model.VideoInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "video: decode ffprobe output")
	}
	if len(out.Streams) == 0 {
		return nil, eris.Wrap(ErrInvalidVideo, "no video stream")
	}
	s := out.Streams[0]

	info := &model.VideoInfo{
		Codec:  s.CodecName,
		Width:  s.Width,
		Height: s.Height,
	}
	info.FPS = parseRate(s.AvgFrameRate)
	if info.FPS <= 0 {
		info.FPS = parseRate(s.RFrameRate)
	}
	info.Duration = parseFloat(s.Duration)
	if info.Duration <= 0 {
		info.Duration = parseFloat(out.Format.Duration)
	}
	info.Size = int64(parseFloat(out.Format.Size))

	if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
		info.FrameCount = n
	} else if info.FPS > 0 {
		info.FrameCount = int(info.Duration * info.FPS)
	}
	return info, nil
}

// parseRate parses ffprobe rates such as "30000/1001" or "25".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseFloat(s)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
