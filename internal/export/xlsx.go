// Package export renders contract records as a spreadsheet.
package export

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/local/renewalcal/internal/contract"
)

const sheet = "Contracts"

var headers = []string{
	"Display Name",
	"File Name",
	"Vendor",
	"Start Date",
	"End Date",
	"Renewal Date",
	"Renewal Term",
	"Notice Period (days)",
	"Notice Deadline",
	"Status",
	"Needs Review",
	"Confidence",
	"Uncertain Fields",
	"Notes",
}

// ContractsXLSX returns a workbook with one row per record, in the order given.
func ContractsXLSX(records []*contract.Record) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	// rename the default sheet instead of leaving an empty Sheet1 behind
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, err
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, r := range records {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.DisplayName)
		write(2, r.FileName)
		write(3, str(r.VendorName))
		write(4, date(r.StartDate))
		write(5, date(r.EndDate))
		write(6, date(r.RenewalDate))
		write(7, str(r.RenewalTerm))
		if r.NoticePeriodDays != nil {
			write(8, *r.NoticePeriodDays)
		}
		write(9, date(r.NoticeDeadline))
		write(10, string(r.Status))
		write(11, yesNo(r.NeedsReview))
		if r.Confidence != nil {
			write(12, *r.Confidence)
		}
		write(13, strings.Join(r.UncertainFields, ", "))
		write(14, truncate(str(r.Notes), 500))
	}

	_ = f.SetColWidth(sheet, "A", "C", 28)
	_ = f.SetColWidth(sheet, "D", "F", 14)
	_ = f.SetColWidth(sheet, "G", "G", 18)
	_ = f.SetColWidth(sheet, "H", "L", 14)
	_ = f.SetColWidth(sheet, "M", "M", 30)
	_ = f.SetColWidth(sheet, "N", "N", 60)
	_ = f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func date(d *contract.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
