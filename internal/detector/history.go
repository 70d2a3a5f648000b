package detector

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deepfake-detector/internal/imageinfo"
	"github.com/sells-group/deepfake-detector/internal/model"
	"github.com/sells-group/deepfake-detector/internal/store"
)

var (
	// ErrNoStore is returned by history operations when persistence is disabled.
	ErrNoStore = eris.New("detector: no store configured")
	// ErrNoPerceptualHash is returned by Similar for detections without an image hash.
	ErrNoPerceptualHash = eris.New("detector: detection has no perceptual hash")
)

const (
	// DefaultSimilarDistance is the dHash Hamming distance under which two
	// images count as near-duplicates.
	DefaultSimilarDistance = 10
	similarScanLimit       = 1000
)

// SimilarDetection is an earlier image detection close to a reference image.
type SimilarDetection struct {
	Detection model.Detection `json:"detection"`
	Distance  int             `json:"distance"`
}

// History lists past detections, newest first.
func (d *Detector) History(ctx context.Context, filter store.DetectionFilter) ([]model.Detection, error) {
	if d.store == nil {
		return nil, ErrNoStore
	}
	return d.store.ListDetections(ctx, filter)
}

// Get returns one detection by ID.
func (d *Detector) Get(ctx context.Context, id string) (*model.Detection, error) {
	if d.store == nil {
		return nil, ErrNoStore
	}
	return d.store.GetDetection(ctx, id)
}

// Search matches detections by filename or file hash prefix.
func (d *Detector) Search(ctx context.Context, query string, limit int) ([]model.Detection, error) {
	if d.store == nil {
		return nil, ErrNoStore
	}
	if query == "" {
		return nil, eris.New("detector: empty search query")
	}
	return d.store.SearchDetections(ctx, query, limit)
}

// Stats summarizes the detection history.
func (d *Detector) Stats(ctx context.Context) (*model.DetectionStats, error) {
	if d.store == nil {
		return nil, ErrNoStore
	}
	return d.store.Stats(ctx)
}

// Delete removes every detection of a file hash.
func (d *Detector) Delete(ctx context.Context, fileHash string) (int, error) {
	if d.store == nil {
		return 0, ErrNoStore
	}
	return d.store.DeleteDetection(ctx, fileHash)
}

// Similar returns image detections whose perceptual hash is within
// maxDistance of the detection id, closest first.
func (d *Detector) Similar(ctx context.Context, id string, maxDistance int) ([]SimilarDetection, error) {
	if d.store == nil {
		return nil, ErrNoStore
	}
	return FindSimilar(ctx, d.store, id, maxDistance)
}

// FindSimilar is Similar over st. Only the most recent image detections are
// compared; a maxDistance of zero uses DefaultSimilarDistance.
func FindSimilar(ctx context.Context, st store.Store, id string, maxDistance int) ([]SimilarDetection, error) {
	if maxDistance <= 0 {
		maxDistance = DefaultSimilarDistance
	}

	ref, err := st.GetDetection(ctx, id)
	if err != nil {
		return nil, err
	}
	refHash := perceptualHash(ref)
	if refHash == "" {
		return nil, eris.Wrapf(ErrNoPerceptualHash, "detection %s", id)
	}

	recent, err := st.ListDetections(ctx, store.DetectionFilter{
		ContentType: model.ContentTypeImage,
		Limit:       similarScanLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "detector: list image detections")
	}

	var out []SimilarDetection
	for _, c := range recent {
		h := perceptualHash(&c)
		if c.ID == ref.ID || h == "" {
			continue
		}
		dist, err := imageinfo.PerceptualDistance(refHash, h)
		if err != nil {
			zap.L().Debug("detector: skipping unparsable perceptual hash", zap.String("id", c.ID), zap.Error(err))
			continue
		}
		if dist <= maxDistance {
			out = append(out, SimilarDetection{Detection: c, Distance: dist})
		}
	}
	slices.SortStableFunc(out, func(a, b SimilarDetection) int { return a.Distance - b.Distance })
	return out, nil
}

func perceptualHash(d *model.Detection) string {
	if d.Details.ImageInfo == nil {
		return ""
	}
	return d.Details.ImageInfo.PerceptualHash
}
