// Package export renders captured leads as a spreadsheet for ops reporting.
package export

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/stitchandsole/leadsync/internal/model"
)

const leadSheetName = "Leads"

var leadHeader = []string{
	"ID",
	"Captured",
	"Customer",
	"Phone",
	"Status",
	"Photos",
	"First image",
	"Last image",
	"Match",
	"Matched name",
	"Image URLs",
	"Context",
}

// WriteLeads renders leads into a one-sheet workbook, one row per lead,
// newest first as given. Timestamps are UTC RFC 3339 strings so the sheet
// sorts lexically the same as chronologically.
func WriteLeads(w io.Writer, leads []model.Lead) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(leadSheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range leadHeader {
		header.AddCell().SetString(col)
	}

	for i := range leads {
		leadRow(sheet.AddRow(), &leads[i])
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write workbook")
	}
	return nil
}

func leadRow(row *xlsx.Row, lead *model.Lead) {
	confidence, matchedName := "", ""
	if lead.Match != nil {
		confidence = string(lead.Match.Confidence)
		matchedName = lead.Match.RemoteName
	}

	for _, v := range []string{
		lead.ID,
		stamp(lead.CreatedAt),
		lead.CustomerName,
		lead.Phone,
		string(lead.Status),
		strconv.Itoa(len(lead.ImageURLs)),
		stamp(lead.FirstImageAt),
		stamp(lead.LastImageAt),
		confidence,
		matchedName,
		strings.Join(lead.ImageURLs, "\n"),
		strings.Join(lead.ContextMessages, "\n"),
	} {
		row.AddCell().SetString(v)
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
