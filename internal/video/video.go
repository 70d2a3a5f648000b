// Package video validates uploaded videos and samples frames from them.
package video

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deepfake-detector/internal/config"
	"github.com/sells-group/deepfake-detector/internal/model"
)

var (
	// ErrInvalidVideo is returned for uploads that fail validation.
	ErrInvalidVideo = eris.New("video: invalid video")
	// ErrNoFrames is returned when sampling produced no frames.
	ErrNoFrames = eris.New("video: no frames extracted")
)

// Options bounds accepted videos and frame sampling.
type Options struct {
	MaxBytes        int64
	MaxDurationSecs float64
	AllowedFormats  []string
	FPS             float64
	MaxFrames       int
}

// OptionsFromConfig converts the video config section.
func OptionsFromConfig(c config.VideoConfig) Options {
	return Options{
		MaxBytes:        c.MaxBytes,
		MaxDurationSecs: c.MaxDurationSecs,
		AllowedFormats:  c.AllowedFormats,
		FPS:             c.FPS,
		MaxFrames:       c.MaxFrames,
	}
}

// Source yields the frames of one video in time order.
type Source interface {
	Frames(ctx context.Context) ([]model.Frame, error)
}

// Extension returns the lower-case file extension without the dot.
func Extension(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// ValidateFile checks the name and size of an upload before it is probed.
func ValidateFile(filename string, size int64, opts Options) error {
	ext := Extension(filename)
	if len(opts.AllowedFormats) > 0 && !slices.Contains(opts.AllowedFormats, ext) {
		return eris.Wrapf(ErrInvalidVideo, "format %q not allowed", ext)
	}
	if size <= 0 {
		return eris.Wrap(ErrInvalidVideo, "empty upload")
	}
	if opts.MaxBytes > 0 && size > opts.MaxBytes {
		return eris.Wrapf(ErrInvalidVideo, "%d bytes exceeds limit of %d", size, opts.MaxBytes)
	}
	return nil
}

// Validate checks an upload and its probed stream info.
func Validate(filename string, size int64, info *model.VideoInfo, opts Options) error {
	if err := ValidateFile(filename, size, opts); err != nil {
		return err
	}
	if info == nil {
		return eris.Wrap(ErrInvalidVideo, "missing stream info")
	}
	if info.FPS <= 0 {
		return eris.Wrapf(ErrInvalidVideo, "frame rate %v is not positive", info.FPS)
	}
	if opts.MaxDurationSecs > 0 && info.Duration > opts.MaxDurationSecs {
		return eris.Wrapf(ErrInvalidVideo, "duration %.1fs exceeds limit of %.0fs", info.Duration, opts.MaxDurationSecs)
	}
	return nil
}

var frameExtensions = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
}

// DirSource reads pre-extracted frames from a directory, ordered by file name.
type DirSource struct {
	Dir       string
	FPS       float64
	MaxFrames int
}

// Frames implements Source.
func (d DirSource) Frames(ctx context.Context) ([]model.Frame, error) {
	return readFrames(ctx, d.Dir, d.FPS, d.MaxFrames)
}

func readFrames(ctx context.Context, dir string, fps float64, maxFrames int) ([]model.Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "video: read frames dir %s", dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := frameExtensions[Extension(e.Name())]; ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if maxFrames > 0 && len(names) > maxFrames {
		names = names[:maxFrames]
	}
	if len(names) == 0 {
		return nil, eris.Wrapf(ErrNoFrames, "no frame images in %s", dir)
	}

	frames := make([]model.Frame, 0, len(names))
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, eris.Wrapf(err, "video: read frame %s", name)
		}
		f := model.Frame{
			Index: i,
			Image: model.Image{
				Filename: name,
				MIMEType: frameExtensions[Extension(name)],
				Data:     data,
			},
		}
		if fps > 0 {
			f.Timestamp = float64(i) / fps
		}
		frames = append(frames, f)
	}
	return frames, nil
}
