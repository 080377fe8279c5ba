package reporting

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const xlsxTime = "2006-01-02 15:04:05"

// ExportXLSX writes the report of broadcast id as a workbook to w.
func (s *Service) ExportXLSX(ctx context.Context, id string, w io.Writer) error {
	r, err := s.Report(ctx, id)
	if err != nil {
		return err
	}
	return WriteXLSX(w, r)
}

// WriteXLSX renders r as a workbook with Summary, Recipients, Attempts and
// SMS sheets.
func WriteXLSX(w io.Writer, r Report) error {
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("reporting: header style: %w", err)
	}

	summary := [][]any{
		{"Broadcast", r.Title},
		{"ID", r.ID},
		{"Type", string(r.Type)},
		{"Priority", string(r.Priority)},
		{"Status", string(r.Status)},
		{"Created by", r.CreatedBy},
		{"Created at", r.CreatedAt.Format(xlsxTime)},
		{"Started at", formatTime(r.StartedAt)},
		{"Completed at", formatTime(r.CompletedAt)},
		{"Total recipients", r.Statistics.TotalRecipients},
		{"Confirmed", r.Statistics.ConfirmedCount},
		{"Success count", r.SuccessCount},
		{"Failure count", r.FailureCount},
		{"Call attempts", r.Statistics.TotalCallAttempts},
		{"Answered calls", r.Statistics.AnsweredCalls},
		{"Unanswered calls", r.Statistics.FailedCalls},
		{"Average call duration (s)", r.Statistics.AverageCallDuration},
		{"Confirmation rate (%)", r.Statistics.ConfirmationRate},
	}
	if r.CancelReason != "" {
		summary = append(summary, []any{"Cancelled by", r.CancelledBy}, []any{"Cancel reason", r.CancelReason})
	}

	recipients := make([][]any, 0, len(r.Recipients))
	for _, rc := range r.Recipients {
		recipients = append(recipients, []any{rc.EmployeeName, rc.PhoneNumber, string(rc.Status), rc.Attempts, rc.Duration, formatTime(rc.LastAttemptAt), rc.ErrorMessage})
	}

	var calls [][]any
	for _, rc := range r.Recipients {
		for _, a := range r.CallAttempts[rc.PhoneNumber] {
			var dur any
			if a.Duration != nil {
				dur = *a.Duration
			}
			calls = append(calls, []any{a.PhoneNumber, a.AttemptNumber, a.TrunkID, a.StartTime.Format(xlsxTime), formatTime(a.EndTime), a.Answered, a.DTMFConfirmed, dur, string(a.Status), a.FailureReason})
		}
	}

	texts := make([][]any, 0, len(r.SMSResults))
	for _, m := range r.SMSResults {
		texts = append(texts, []any{m.EmployeeName, m.PhoneNumber, string(m.Kind), m.SentAt.Format(xlsxTime), string(m.Status), m.MessageID, m.Error})
	}

	sheets := []struct {
		name   string
		header []string
		rows   [][]any
	}{
		{"Summary", []string{"Field", "Value"}, summary},
		{"Recipients", []string{"Name", "Phone", "Status", "Attempts", "Duration (s)", "Last attempt", "Error"}, recipients},
		{"Attempts", []string{"Phone", "Attempt", "Trunk", "Started", "Ended", "Answered", "Confirmed", "Duration (s)", "Status", "Reason"}, calls},
		{"SMS", []string{"Name", "Phone", "Kind", "Sent at", "Status", "Message ID", "Error"}, texts},
	}
	for i, sh := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sh.name); err != nil {
				return fmt.Errorf("reporting: rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sh.name); err != nil {
			return fmt.Errorf("reporting: sheet %s: %w", sh.name, err)
		}
		if err := writeSheet(f, sh.name, header, sh.header, sh.rows); err != nil {
			return err
		}
	}
	f.SetActiveSheet(0)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("reporting: write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, style int, header []string, rows [][]any) error {
	for i, h := range header {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return err
		}
	}
	for r, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("reporting: %s row %d: %w", sheet, r+2, err)
		}
	}
	last, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	return f.SetColWidth(sheet, "A", last, 18)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(xlsxTime)
}
