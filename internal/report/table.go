// Package report renders the per-cycle container summary.
package report

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/penguintechinc/rollbackd/pkg/types"
)

var headers = []string{"NAME", "STATE", "STATUS", "IMAGE", "IMAGE ID"}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Table renders container reports as an aligned table
func Table(reports []types.ContainerReport) string {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, []string{r.Name, r.State, r.Status, r.ImageRepoTag, types.ShortImageID(r.ImageID)})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)

	return t.String()
}

// Writer prints each summary to an io.Writer
type Writer struct {
	out io.Writer
}

// NewWriter creates a reporter printing to out
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Report prints the summary preceded by a blank line
func (w *Writer) Report(reports []types.ContainerReport) error {
	_, err := fmt.Fprintf(w.out, "\n%s\n", Table(reports))
	return err
}
