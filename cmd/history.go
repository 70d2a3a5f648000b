package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/deepfake-detector/internal/detector"
	"github.com/sells-group/deepfake-detector/internal/model"
	"github.com/sells-group/deepfake-detector/internal/report"
	"github.com/sells-group/deepfake-detector/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect detection history",
	Long:  "Commands for listing, exporting, searching, and deleting past detections.",
}

// filterFromFlags builds a DetectionFilter from the shared history flags.
func filterFromFlags(cmd *cobra.Command) store.DetectionFilter {
	contentType, _ := cmd.Flags().GetString("type")
	verdict, _ := cmd.Flags().GetString("verdict")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	return store.DetectionFilter{
		ContentType: model.ContentType(strings.ToLower(contentType)),
		Verdict:     model.Verdict(strings.ToUpper(verdict)),
		Limit:       limit,
		Offset:      offset,
	}
}

// -- history list --

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List past detections",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		list, err := st.ListDetections(ctx, filterFromFlags(cmd))
		if err != nil {
			return eris.Wrap(err, "history list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No detections found.")
			return nil
		}

		format, _ := cmd.Flags().GetString("format")
		return report.Write(os.Stdout, format, list)
	},
}

// -- history export --

var historyExportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Export detections to a file (xlsx, csv, or yaml by extension)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := args[0]

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		list, err := st.ListDetections(ctx, filterFromFlags(cmd))
		if err != nil {
			return eris.Wrap(err, "history export")
		}

		format := exportFormat(path)
		if format == report.FormatXLSX {
			if err := report.WriteXLSX(path, list); err != nil {
				return err
			}
		} else {
			f, err := os.Create(path)
			if err != nil {
				return eris.Wrapf(err, "create %s", path)
			}
			if err := report.Write(f, format, list); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return eris.Wrapf(err, "close %s", path)
			}
		}

		fmt.Fprintf(os.Stderr, "Exported %d detections to %s\n", len(list), path)
		return nil
	},
}

// exportFormat picks the report format from a file extension.
func exportFormat(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".xlsx"):
		return report.FormatXLSX
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		return report.FormatYAML
	default:
		return report.FormatCSV
	}
}

// -- history search --

var historySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find detections by filename or file hash prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		list, err := st.SearchDetections(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "history search")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No detections found.")
			return nil
		}
		return report.Write(os.Stdout, report.FormatTable, list)
	},
}

// -- history show --

var historyShowCmd = &cobra.Command{
	Use:   "show <detection-id>",
	Short: "Show full details of a detection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		d, err := st.GetDetection(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "history show")
		}
		return printDetection(os.Stdout, d, true)
	},
}

// -- history similar --

var historySimilarCmd = &cobra.Command{
	Use:   "similar <detection-id>",
	Short: "List near-duplicate images of an image detection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		distance, _ := cmd.Flags().GetInt("distance")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		matches, err := detector.FindSimilar(ctx, st, args[0], distance)
		if err != nil {
			return eris.Wrap(err, "history similar")
		}
		if len(matches) == 0 {
			fmt.Fprintln(os.Stderr, "No similar images found.")
			return nil
		}
		return printSimilar(os.Stdout, matches)
	},
}

func printSimilar(out io.Writer, matches []detector.SimilarDetection) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DISTANCE\tID\tFILENAME\tVERDICT\tCONFIDENCE") //nolint:errcheck
	for _, m := range matches {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.1f%%\n", //nolint:errcheck
			m.Distance, m.Detection.ID, m.Detection.Filename, m.Detection.Verdict, m.Detection.Confidence)
	}
	return w.Flush()
}

// -- history delete --

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <file-hash>",
	Short: "Delete every detection of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.DeleteDetection(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "history delete")
		}
		fmt.Fprintf(os.Stderr, "Deleted %d detection(s)\n", n)
		return nil
	},
}

// -- stats --

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize detection history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		s, err := st.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "stats")
		}
		return report.WriteStats(os.Stdout, s)
	},
}

// -- migrate --

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the detection tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		fmt.Fprintf(os.Stderr, "Migrated %s store\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{historyListCmd, historyExportCmd} {
		c.Flags().String("type", "", "filter by content type (image, video)")
		c.Flags().String("verdict", "", "filter by verdict (FAKE, REAL, UNCERTAIN)")
		c.Flags().Int("limit", 100, "maximum detections to return")
		c.Flags().Int("offset", 0, "detections to skip")
	}
	historyListCmd.Flags().String("format", report.FormatTable, "output format (table, csv, yaml)")
	historySearchCmd.Flags().Int("limit", 100, "maximum detections to return")
	historySimilarCmd.Flags().Int("distance", detector.DefaultSimilarDistance, "maximum perceptual hash distance")

	historyCmd.AddCommand(historyListCmd, historyExportCmd, historySearchCmd, historyShowCmd, historySimilarCmd, historyDeleteCmd)
	rootCmd.AddCommand(historyCmd, statsCmd, migrateCmd)
}
