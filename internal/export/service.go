package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
)

// JobLister is the slice of the job store an export needs.
type JobLister interface {
	List(ctx context.Context, filter entity.JobFilter) ([]*entity.Job, error)
}

// Service produces XLSX bytes for job exports.
type Service struct {
	jobs   JobLister
	logger *slog.Logger
}

func NewService(jobs JobLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, logger: logger}
}

const sheet = "Jobs"

var headers = []string{
	"Fingerprint",
	"State",
	"Attempts",
	"Submitted At",
	"Started At",
	"Finished At",
	"Duration (s)",
	"Model",
	"Client Reference",
	"Error Code",
	"Error",
	"Transcript",
}

// ExportJobsXLSX returns a workbook of jobs matching filter.
// If only From is provided -> From..now. Dates are compared in UTC.
func (s *Service) ExportJobsXLSX(ctx context.Context, filter entity.JobFilter) ([]byte, error) {
	start := time.Now()
	if filter.From != nil && filter.To == nil {
		now := time.Now().UTC()
		filter.To = &now
	}

	jobs, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if _, err := f.NewSheet(sheet); err != nil {
		return nil, err
	}
	idx, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetCellStyle(sheet, "A1", "L1", style)
	}

	for i, j := range jobs {
		if err := writeRow(f, i+2, j); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 20) // fingerprint
	_ = f.SetColWidth(sheet, "B", "C", 11)
	_ = f.SetColWidth(sheet, "D", "F", 21) // timestamps
	_ = f.SetColWidth(sheet, "G", "H", 12)
	_ = f.SetColWidth(sheet, "I", "J", 22)
	_ = f.SetColWidth(sheet, "K", "K", 40)
	_ = f.SetColWidth(sheet, "L", "L", 80) // transcript
	_ = f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"state", filter.State,
		"rows", len(jobs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, row int, j *entity.Job) error {
	values := []any{
		j.Fingerprint,
		string(j.State),
		j.Attempts,
		stamp(&j.SubmittedAt),
		stamp(j.StartedAt),
		stamp(j.FinishedAt),
		float64(j.DurationMS) / 1000,
		j.ModelVersion,
		j.ClientRef,
		"",
		"",
		"",
	}
	if j.Error != nil {
		values[9] = string(j.Error.Code)
		values[10] = truncate(j.Error.Message, 200)
	}
	if j.Result != nil {
		// cells hold at most 32767 characters
		values[11] = truncate(j.Result.Text, 32000)
	}
	cell, _ := excelize.CoordinatesToCellName(1, row)
	return f.SetSheetRow(sheet, cell, &values)
}

func stamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
