package report

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/deepfake-detector/internal/model"
)

// SheetName is the worksheet WriteXLSX writes detections to.
const SheetName = "Detections"

// WriteXLSX saves detections to an XLSX workbook at path. Numeric columns
// are stored as numbers.
func WriteXLSX(path string, detections []model.Detection) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	row := sheet.AddRow()
	for _, h := range header {
		row.AddCell().SetString(h)
	}

	for _, d := range detections {
		r := NewRecord(d)
		row := sheet.AddRow()
		row.AddCell().SetString(r.ID)
		row.AddCell().SetString(r.Filename)
		row.AddCell().SetString(r.ContentType)
		row.AddCell().SetString(r.FileHash)
		row.AddCell().SetString(r.Verdict)
		row.AddCell().SetFloat(r.Confidence)
		row.AddCell().SetFloat(r.FakeProbability)
		row.AddCell().SetString(r.AgreementLevel)
		row.AddCell().SetInt(r.FramesAnalyzed)
		row.AddCell().SetInt64(r.ProcessingTimeMs)
		row.AddCell().SetString(r.CreatedAt)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "xlsx: save %s", path)
	}
	return nil
}
