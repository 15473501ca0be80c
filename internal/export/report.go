package export

import (
	"fmt"
	"os"
	"path/filepath"

	"backline/internal/logging"
	"backline/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// Exporter writes per-job xlsx reports into the configured exports
// directory.
type Exporter struct {
	path   string
	logger zerolog.Logger
}

func NewExporter(path string, logger *zerolog.Logger) *Exporter {
	return &Exporter{path: path, logger: logging.ForComponent(logger, "export")}
}

// JobReport writes an xlsx summary of the job with one row per item error
// and returns the file path. The stored error list is capped, so the
// summary counters are the authoritative totals.
func (e *Exporter) JobReport(job *models.BatchJob) (string, error) {
	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Job Report"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	p := models.ProgressFromJob(job)

	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("Job %s (%s)", job.ID, job.JobType))
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.MergeCell(sheetName, "A1", "B1")
	_ = f.SetCellStyle(sheetName, "A1", "A1", titleStyle)

	summary := [][2]any{
		{"Status", string(job.Status)},
		{"Total items", job.TotalItems},
		{"Processed", job.ProcessedItems},
		{"Successful", job.SuccessItems},
		{"Failed", job.FailedItems},
		{"Progress", fmt.Sprintf("%d%%", p.Percentage)},
		{"Created at", job.CreatedAt.Format("02.01.2006 15:04")},
	}
	if job.ErrorMessage != nil {
		summary = append(summary, [2]any{"Error", *job.ErrorMessage})
	}
	for i, row := range summary {
		_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", i+3), row[0])
		_ = f.SetCellValue(sheetName, fmt.Sprintf("B%d", i+3), row[1])
	}

	errHeaderRow := len(summary) + 5
	if len(job.Errors) > 0 {
		headerStyle, _ := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
			Font: &excelize.Font{Bold: true},
		})
		_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", errHeaderRow), "Item")
		_ = f.SetCellValue(sheetName, fmt.Sprintf("B%d", errHeaderRow), "Error")
		_ = f.SetCellStyle(sheetName, fmt.Sprintf("A%d", errHeaderRow), fmt.Sprintf("B%d", errHeaderRow), headerStyle)

		for i, itemErr := range job.Errors {
			row := errHeaderRow + 1 + i
			_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), itemErr.ItemReference)
			_ = f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), itemErr.Message)
		}
		if job.FailedItems > len(job.Errors) {
			row := errHeaderRow + 1 + len(job.Errors)
			_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row),
				fmt.Sprintf("... and %d more failures", job.FailedItems-len(job.Errors)))
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 25)
	_ = f.SetColWidth(sheetName, "B", "B", 60)
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("job_%s.xlsx", job.ID)
	filePath := filepath.Join(e.path, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	e.logger.Info().Str("file_path", filePath).Str("job_id", job.ID).Msg("Excel report created")
	return filePath, nil
}
