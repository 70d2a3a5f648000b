// Package report renders detection history for the CLI: aligned tables,
// CSV, YAML and XLSX exports, and a statistics summary.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/deepfake-detector/internal/model"
)

// Output formats accepted by Write.
const (
	FormatTable = "table"
	FormatCSV   = "csv"
	FormatYAML  = "yaml"
	FormatXLSX  = "xlsx"
)

// Record is the flattened export row for one detection.
type Record struct {
	ID               string  `yaml:"id"`
	Filename         string  `yaml:"filename"`
	ContentType      string  `yaml:"content_type"`
	FileHash         string  `yaml:"file_hash"`
	Verdict          string  `yaml:"verdict"`
	Confidence       float64 `yaml:"confidence"`
	FakeProbability  float64 `yaml:"fake_probability"`
	AgreementLevel   string  `yaml:"agreement_level"`
	FramesAnalyzed   int     `yaml:"frames_analyzed,omitempty"`
	ProcessingTimeMs int64   `yaml:"processing_time_ms"`
	CreatedAt        string  `yaml:"created_at"`
}

var header = []string{
	"id", "filename", "content_type", "file_hash", "verdict", "confidence",
	"fake_probability", "agreement_level", "frames_analyzed", "processing_time_ms", "created_at",
}

// NewRecord flattens d.
func NewRecord(d model.Detection) Record {
	return Record{
		ID:               d.ID,
		Filename:         d.Filename,
		ContentType:      string(d.ContentType),
		FileHash:         d.FileHash,
		Verdict:          string(d.Verdict),
		Confidence:       d.Confidence,
		FakeProbability:  d.FakeProbability,
		AgreementLevel:   string(d.AgreementLevel),
		FramesAnalyzed:   d.FramesAnalyzed,
		ProcessingTimeMs: d.ProcessingTimeMs,
		CreatedAt:        d.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (r Record) strings() []string {
	return []string{
		r.ID,
		r.Filename,
		r.ContentType,
		r.FileHash,
		r.Verdict,
		strconv.FormatFloat(r.Confidence, 'f', 2, 64),
		strconv.FormatFloat(r.FakeProbability, 'f', 4, 64),
		r.AgreementLevel,
		strconv.Itoa(r.FramesAnalyzed),
		strconv.FormatInt(r.ProcessingTimeMs, 10),
		r.CreatedAt,
	}
}

// Write renders detections to w in the given format. XLSX needs a file
// path and goes through WriteXLSX instead.
func Write(w io.Writer, format string, detections []model.Detection) error {
	records := make([]Record, len(detections))
	for i, d := range detections {
		records[i] = NewRecord(d)
	}

	switch strings.ToLower(format) {
	case "", FormatTable:
		return writeTable(w, records)
	case FormatCSV:
		return writeCSV(w, records)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return eris.Wrap(err, "report: encode yaml")
		}
		return eris.Wrap(enc.Close(), "report: close yaml encoder")
	default:
		return eris.Errorf("report: unsupported format %q", format)
	}
}

func writeTable(out io.Writer, records []Record) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFILENAME\tTYPE\tVERDICT\tCONFIDENCE\tAGREEMENT\tFRAMES\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t--------\t----\t-------\t----------\t---------\t------\t-------")

	for _, r := range records {
		filename := r.Filename
		if len(filename) > 30 {
			filename = filename[:27] + "..."
		}
		frames := "-"
		if r.FramesAnalyzed > 0 {
			frames = strconv.Itoa(r.FramesAnalyzed)
		}
		created := r.CreatedAt
		if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
			created = t.Format("2006-01-02 15:04")
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f%%\t%s\t%s\t%s\n",
			truncateID(r.ID),
			filename,
			r.ContentType,
			r.Verdict,
			r.Confidence,
			r.AgreementLevel,
			frames,
			created,
		)
	}
	return eris.Wrap(w.Flush(), "report: flush table")
}

func writeCSV(out io.Writer, records []Record) error {
	w := csv.NewWriter(out)
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "report: write csv header")
	}
	for _, r := range records {
		if err := w.Write(r.strings()); err != nil {
			return eris.Wrap(err, "report: write csv row")
		}
	}
	w.Flush()
	return eris.Wrap(w.Error(), "report: flush csv")
}

// WriteStats writes the history summary with locale-grouped counts.
func WriteStats(out io.Writer, s *model.DetectionStats) error {
	p := message.NewPrinter(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	_, _ = p.Fprintf(w, "Total detections:\t%d\n", s.Total)
	_, _ = p.Fprintf(w, "  Images:\t%d\n", s.Images)
	_, _ = p.Fprintf(w, "  Videos:\t%d\n", s.Videos)
	for _, v := range []model.Verdict{model.VerdictFake, model.VerdictReal, model.VerdictUncertain} {
		_, _ = p.Fprintf(w, "%s:\t%d\n", v, s.ByVerdict[v])
	}
	_, _ = p.Fprintf(w, "Fake rate:\t%.1f%%\n", s.FakeRate()*100)
	_, _ = p.Fprintf(w, "Avg confidence:\t%.1f%%\n", s.AvgConfidence)

	return eris.Wrap(w.Flush(), "report: flush stats")
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
