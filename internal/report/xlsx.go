package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/matome/internal/collection"
)

const itemsSheet = "Items"

var xlsxHeader = []any{
	"ID", "Level", "Theme", "Description", "Evidence", "Merged",
	"Confidence", "Generality", "Cohesion", "Interestingness", "Reason", "Group",
}

// WriteXLSX writes one row per item, in collection order.
func WriteXLSX(w io.Writer, coll *collection.Collection) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", itemsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(itemsSheet, "A1", &xlsxHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, it := range coll.Items() {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			it.ID, it.Level, it.Theme, it.Description,
			strings.Join(it.Evidence, "\n"), strings.Join(it.Merged, ", "),
			it.Confidence, it.Generality, it.Cohesion, it.Interestingness,
			it.Reason, it.GroupID,
		}
		if err := f.SetSheetRow(itemsSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %s: %w", it.ID, err)
		}
	}
	if err := f.SetPanes(itemsSheet, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
