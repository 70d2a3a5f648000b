// Package detector runs images and videos through the model panel, the
// ensemble vote and frame aggregation, and records the outcome.
package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/deepfake-detector/internal/aggregator"
	"github.com/sells-group/deepfake-detector/internal/config"
	"github.com/sells-group/deepfake-detector/internal/ensemble"
	"github.com/sells-group/deepfake-detector/internal/imageinfo"
	"github.com/sells-group/deepfake-detector/internal/model"
	"github.com/sells-group/deepfake-detector/internal/notify"
	"github.com/sells-group/deepfake-detector/internal/scorer"
	"github.com/sells-group/deepfake-detector/internal/store"
	"github.com/sells-group/deepfake-detector/internal/video"
)

// ImageScorer scores one image with every model in the ensemble.
type ImageScorer interface {
	Names() []string
	Score(ctx context.Context, img model.Image) ([]model.ModelResult, error)
}

// FrameExtractor probes videos and samples their frames.
type FrameExtractor interface {
	Probe(ctx context.Context, path string) (*model.VideoInfo, error)
	Extract(ctx context.Context, path string, fps float64, maxFrames int) ([]model.Frame, error)
}

var _ ImageScorer = (*scorer.Panel)(nil)
var _ FrameExtractor = (*video.FFmpeg)(nil)

// Detector orchestrates detections.
type Detector struct {
	cfg       *config.Config
	scorer    ImageScorer
	voter     *ensemble.Voter
	agg       *aggregator.Aggregator
	store     store.Store
	publisher notify.Publisher
	extractor FrameExtractor
	imgOpts   imageinfo.Options
	vidOpts   video.Options
}

// New creates a Detector. The scorer's model names must match the configured weights.
func New(cfg *config.Config, sc ImageScorer, st store.Store, pub notify.Publisher, ext FrameExtractor) (*Detector, error) {
	voter, err := ensemble.NewVoter(cfg.Detection)
	if err != nil {
		return nil, eris.Wrap(err, "detector: create voter")
	}
	agg, err := aggregator.New(cfg.Detection)
	if err != nil {
		return nil, eris.Wrap(err, "detector: create aggregator")
	}

	names := sc.Names()
	if len(names) != len(cfg.Detection.Weights) {
		return nil, eris.Errorf("detector: %d models configured for %d weights", len(names), len(cfg.Detection.Weights))
	}
	for _, name := range names {
		if _, ok := cfg.Detection.Weights[name]; !ok {
			return nil, eris.Errorf("detector: model %q has no weight", name)
		}
	}

	if pub == nil {
		pub = notify.Nop{}
	}
	return &Detector{
		cfg:       cfg,
		scorer:    sc,
		voter:     voter,
		agg:       agg,
		store:     st,
		publisher: pub,
		extractor: ext,
		imgOpts:   imageinfo.OptionsFromConfig(cfg.Image),
		vidOpts:   video.OptionsFromConfig(cfg.Video),
	}, nil
}

// Models returns the ensemble's model names in evaluation order.
func (d *Detector) Models() []string {
	return d.scorer.Names()
}

// Weights returns a copy of the ensemble weights.
func (d *Detector) Weights() map[string]float64 {
	return d.voter.Weights()
}

// DetectImage classifies one uploaded image.
func (d *Detector) DetectImage(ctx context.Context, filename string, data []byte) (*model.Detection, error) {
	start := time.Now()
	log := zap.L().With(zap.String("filename", filename), zap.String("content_type", "image"))

	info, err := imageinfo.Inspect(data, d.imgOpts)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("sha256", info.SHA256))

	if cached := d.cached(ctx, info.SHA256, model.ContentTypeImage); cached != nil {
		log.Info("detector: returning cached detection", zap.String("id", cached.ID))
		return cached, nil
	}

	results, err := d.scorer.Score(ctx, model.Image{
		Filename: filename,
		MIMEType: imageinfo.MIMEType(info.Format),
		Data:     data,
	})
	if err != nil {
		return nil, eris.Wrap(err, "detector: score image")
	}

	res, err := d.voter.Vote(results)
	if err != nil {
		return nil, eris.Wrap(err, "detector: vote")
	}

	det := model.NewDetectionFromImage(filename, info, res)
	det.ProcessingTimeMs = time.Since(start).Milliseconds()
	if err := d.record(ctx, det, nil); err != nil {
		return nil, err
	}

	log.Info("detector: image classified",
		zap.String("verdict", string(det.Verdict)),
		zap.Float64("confidence", det.Confidence),
		zap.String("agreement", string(det.AgreementLevel)),
		zap.Int64("duration_ms", det.ProcessingTimeMs),
	)
	return det, nil
}

// DetectVideo classifies a video file on disk. filename is the name the
// video was uploaded under and decides its format.
func (d *Detector) DetectVideo(ctx context.Context, filename, path string) (*model.Detection, error) {
	if d.extractor == nil {
		return nil, eris.New("detector: no frame extractor configured")
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "detector: stat %s", path)
	}
	if err := video.ValidateFile(filename, fi.Size(), d.vidOpts); err != nil {
		return nil, err
	}

	fileHash, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	if cached := d.cached(ctx, fileHash, model.ContentTypeVideo); cached != nil {
		zap.L().Info("detector: returning cached detection", zap.String("filename", filename), zap.String("id", cached.ID))
		return cached, nil
	}

	info, err := d.extractor.Probe(ctx, path)
	if err != nil {
		return nil, eris.Wrap(err, "detector: probe video")
	}
	info.Size = fi.Size()
	if err := video.Validate(filename, fi.Size(), info, d.vidOpts); err != nil {
		return nil, err
	}

	src := extractorSource{ext: d.extractor, path: path, fps: d.vidOpts.FPS, maxFrames: d.vidOpts.MaxFrames}
	return d.DetectFrames(ctx, filename, fileHash, info, src)
}

// DetectFrames classifies the frames from src as one video. An empty
// fileHash is derived from the frame contents.
func (d *Detector) DetectFrames(ctx context.Context, filename, fileHash string, info *model.VideoInfo, src video.Source) (*model.Detection, error) {
	start := time.Now()
	log := zap.L().With(zap.String("filename", filename), zap.String("content_type", "video"))

	frames, err := src.Frames(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "detector: extract frames")
	}
	if len(frames) == 0 {
		return nil, eris.Wrap(video.ErrNoFrames, "detector: extract frames")
	}
	if fileHash == "" {
		fileHash = hashFrames(frames)
	}
	log = log.With(zap.String("sha256", fileHash), zap.Int("frames", len(frames)))

	frameResults, err := d.scoreFrames(ctx, frames)
	if err != nil {
		return nil, err
	}

	res, err := d.agg.Aggregate(frameResults)
	if err != nil {
		return nil, eris.Wrap(err, "detector: aggregate frames")
	}

	det := model.NewDetectionFromVideo(filename, fileHash, info, res)
	det.ProcessingTimeMs = time.Since(start).Milliseconds()
	if err := d.record(ctx, det, res.FrameResults); err != nil {
		return nil, err
	}

	log.Info("detector: video classified",
		zap.String("verdict", string(det.Verdict)),
		zap.Float64("confidence", det.Confidence),
		zap.Int("suspicious_frames", len(res.SuspiciousFrames)),
		zap.Int64("duration_ms", det.ProcessingTimeMs),
	)
	return det, nil
}

// DetectFrameDir classifies pre-extracted frames stored in dir.
func (d *Detector) DetectFrameDir(ctx context.Context, dir string) (*model.Detection, error) {
	src := video.DirSource{Dir: dir, FPS: d.vidOpts.FPS, MaxFrames: d.vidOpts.MaxFrames}
	return d.DetectFrames(ctx, filepath.Base(filepath.Clean(dir)), "", nil, src)
}

// scoreFrames scores and votes on each frame concurrently, preserving frame order.
func (d *Detector) scoreFrames(ctx context.Context, frames []model.Frame) ([]model.FrameResult, error) {
	out := make([]model.FrameResult, len(frames))

	limit := d.cfg.Video.FrameConcurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, f := range frames {
		g.Go(func() error {
			results, err := d.scorer.Score(gctx, f.Image)
			if err != nil {
				return eris.Wrapf(err, "detector: score frame %d", f.Index)
			}
			res, err := d.voter.Vote(results)
			if err != nil {
				return eris.Wrapf(err, "detector: vote frame %d", f.Index)
			}
			out[i] = model.FrameResult{FrameIndex: f.Index, EnsembleResult: *res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// cached returns an earlier detection of the same content when caching is enabled.
func (d *Detector) cached(ctx context.Context, fileHash string, ct model.ContentType) *model.Detection {
	if !d.cfg.Cache.Enabled || d.store == nil {
		return nil
	}
	prev, err := d.store.GetDetectionByHash(ctx, fileHash, ct)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			zap.L().Warn("detector: cache lookup failed", zap.String("sha256", fileHash), zap.Error(err))
		}
		return nil
	}
	prev.Cached = true
	return prev
}

// record persists det with its frames, then publishes it. Publish failures are logged only.
func (d *Detector) record(ctx context.Context, det *model.Detection, frames []model.FrameResult) error {
	if d.store != nil {
		if err := d.store.SaveDetection(ctx, det, frames); err != nil {
			return eris.Wrap(err, "detector: save detection")
		}
	}

	if err := d.publisher.Publish(ctx, det); err != nil {
		zap.L().Warn("detector: failed to publish detection event", zap.String("id", det.ID), zap.Error(err))
	}
	return nil
}

type extractorSource struct {
	ext       FrameExtractor
	path      string
	fps       float64
	maxFrames int
}

func (s extractorSource) Frames(ctx context.Context) ([]model.Frame, error) {
	return s.ext.Extract(ctx, s.path, s.fps, s.maxFrames)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "detector: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrapf(err, "detector: hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFrames(frames []model.Frame) string {
	h := sha256.New()
	for _, f := range frames {
		h.Write(f.Image.Data) //nolint:errcheck
	}
	return hex.EncodeToString(h.Sum(nil))
}
