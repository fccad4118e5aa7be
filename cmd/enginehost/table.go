package main

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/mattjoyce/enginehost/internal/dispatch"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func renderCallsTable(calls []dispatch.CallRecord) string {
	rows := make([][]string, 0, len(calls))
	for _, c := range calls {
		status := c.Status
		if c.Abandoned {
			status += " (abandoned)"
		}
		rows = append(rows, []string{
			c.ID,
			c.Operation,
			status,
			c.Duration().Round(time.Millisecond).String(),
			humanize.Comma(int64(c.ProgressCount)),
			humanize.Bytes(uint64(max(0, c.PayloadBytes))),
			humanize.Bytes(uint64(max(0, c.ResultBytes))),
			humanize.Time(c.StartedAt),
		})
	}
	return renderTable(
		[]string{"ID", "OPERATION", "STATUS", "DURATION", "PROGRESS", "PAYLOAD", "RESULT", "STARTED"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
	)
}
