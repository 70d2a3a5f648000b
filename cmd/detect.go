package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/deepfake-detector/internal/model"
)

var detectCmd = &cobra.Command{
	Use:   "detect <image>...",
	Short: "Classify one or more images",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initDetector(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var (
			failed  int
			results []*model.Detection
		)
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return eris.Wrapf(err, "read %s", path)
			}

			d, err := env.Detector.DetectImage(ctx, filepath.Base(path), data)
			if err != nil {
				zap.L().Error("detection failed", zap.String("file", path), zap.Error(err))
				failed++
				continue
			}
			if err := printDetection(os.Stdout, d, asJSON); err != nil {
				return err
			}
			results = append(results, d)
		}

		if len(args) > 1 && !asJSON {
			printBatchSummary(os.Stdout, results, failed)
		}
		if failed > 0 {
			return eris.Errorf("%d of %d images failed", failed, len(args))
		}
		return nil
	},
}

var detectVideoCmd = &cobra.Command{
	Use:   "detect-video [video]",
	Short: "Classify a video by sampling its frames",
	Long:  "Samples frames from a video with ffmpeg, or reads pre-extracted frames with --frames-dir, and aggregates the per-frame ensemble verdicts.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")
		framesDir, _ := cmd.Flags().GetString("frames-dir")

		if (framesDir == "") == (len(args) == 0) {
			return eris.New("pass either a video file or --frames-dir")
		}

		env, err := initDetector(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var d *model.Detection
		if framesDir != "" {
			d, err = env.Detector.DetectFrameDir(ctx, framesDir)
		} else {
			d, err = env.Detector.DetectVideo(ctx, filepath.Base(args[0]), args[0])
		}
		if err != nil {
			return err
		}
		return printDetection(os.Stdout, d, asJSON)
	},
}

func init() {
	detectCmd.Flags().Bool("json", false, "print the full detection as JSON")
	detectVideoCmd.Flags().Bool("json", false, "print the full detection as JSON")
	detectVideoCmd.Flags().String("frames-dir", "", "directory of pre-extracted frames")
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(detectVideoCmd)
}

// printDetection writes a one-detection summary, or the full record as JSON.
func printDetection(out io.Writer, d *model.Detection, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(d), "encode detection")
	}

	cached := ""
	if d.Cached {
		cached = " (cached)"
	}
	_, _ = fmt.Fprintf(out, "%s: %s %.1f%% agreement=%s%s\n",
		d.Filename, d.Verdict, d.Confidence, d.AgreementLevel, cached)

	switch {
	case d.Details.Image != nil:
		for _, r := range d.Details.Image.IndividualResults {
			_, _ = fmt.Fprintf(out, "  %-10s %s %.1f%%\n", r.ModelName, r.Prediction, r.Confidence)
		}
		if d.Details.Image.Recommendation != "" {
			_, _ = fmt.Fprintf(out, "  recommendation: %s\n", d.Details.Image.Recommendation)
		}
		if d.Details.ImageInfo != nil && d.Details.ImageInfo.GeneratorHint != "" {
			_, _ = fmt.Fprintf(out, "  metadata names generator: %s\n", d.Details.ImageInfo.GeneratorHint)
		}
	case d.Details.Video != nil:
		v := d.Details.Video
		_, _ = fmt.Fprintf(out, "  frames: %d fake, %d real, %d uncertain of %d\n",
			v.Analysis.FakeFrames, v.Analysis.RealFrames, v.Analysis.UncertainFrames, v.Analysis.TotalFrames)
		if len(v.SuspiciousFrames) > 0 {
			idx := make([]string, len(v.SuspiciousFrames))
			for i, f := range v.SuspiciousFrames {
				idx[i] = fmt.Sprint(f)
			}
			_, _ = fmt.Fprintf(out, "  suspicious frames: %s\n", strings.Join(idx, ", "))
		}
		for _, m := range v.ModelBreakdown {
			_, _ = fmt.Fprintf(out, "  %-10s %s avg %.1f%%\n", m.ModelName, m.Prediction, m.AvgConfidence)
		}
	}
	return nil
}

// printBatchSummary tallies verdicts over the classified images.
func printBatchSummary(out io.Writer, results []*model.Detection, failed int) {
	counts := make(map[model.Verdict]int, 3)
	for _, d := range results {
		counts[d.Verdict]++
	}

	total := len(results)
	fmt.Fprintf(out, "\nbatch summary: %d images\n", total) //nolint:errcheck
	for _, v := range []model.Verdict{model.VerdictFake, model.VerdictReal, model.VerdictUncertain} {
		var pct float64
		if total > 0 {
			pct = float64(counts[v]) / float64(total) * 100
		}
		fmt.Fprintf(out, "  %-9s %d (%.1f%%)\n", v, counts[v], pct) //nolint:errcheck
	}
	if failed > 0 {
		fmt.Fprintf(out, "  failed    %d\n", failed) //nolint:errcheck
	}
}
