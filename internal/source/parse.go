package source

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/trogers1052/stock-history-ingestor/internal/models"
)

// ParseOptions is the parsing contract for the history page
type ParseOptions struct {
	TableID        string // id attribute of the results table
	DropZeroVolume bool   // drop days whose volume cell is the literal zero
	ZeroVolume     string // literal that marks a day without trading
}

// DefaultParseOptions matches the exchange's symbol history page
func DefaultParseOptions() ParseOptions {
	return ParseOptions{
		TableID:        "resultsTable",
		DropZeroVolume: true,
		ZeroVolume:     "0",
	}
}

// ParseTable extracts history rows from an HTML page. A page without the
// results table yields no rows and no error.
func ParseTable(r io.Reader, opts ParseOptions) ([]models.RawRow, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	table := doc.Find("table#" + opts.TableID).First()
	if table.Length() == 0 {
		return nil, nil
	}

	var rows []models.RawRow
	table.Find("tr").Each(func(i int, tr *goquery.Selection) {
		if i == 0 {
			return // header
		}

		cells := tr.Find("td")
		if cells.Length() < models.RawRowColumns {
			return
		}

		row := make(models.RawRow, 0, models.RawRowColumns)
		cells.Each(func(j int, td *goquery.Selection) {
			if j < models.RawRowColumns {
				row = append(row, strings.TrimSpace(td.Text()))
			}
		})

		if opts.DropZeroVolume && row[models.ColVolume] == opts.ZeroVolume {
			return
		}
		rows = append(rows, row)
	})

	return rows, nil
}
