package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	return t
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderRecord prints the record status followed by one row per table.
func renderRecord(out io.Writer, rec *models.SchemaCacheRecord) {
	status := newTable(out)
	status.AppendRows([]table.Row{
		{"Connection", rec.ConnectionID},
		{"Status", rec.TrainingStatus},
		{"Last trained", formatTime(rec.LastTrainedAt)},
	})
	if rec.ErrorMessage != nil {
		status.AppendRow(table.Row{"Error", *rec.ErrorMessage})
	}
	doc := rec.SchemaData
	if doc != nil {
		status.AppendRows([]table.Row{
			{"Database", fmt.Sprintf("%s %s", doc.DatabaseType, doc.Version)},
			{"Tables", doc.TotalTables},
			{"Columns", doc.TotalColumns},
			{"Warnings", len(doc.Warnings)},
		})
	}
	status.Render()

	if doc == nil || len(doc.Schemas) == 0 {
		return
	}

	tables := newTable(out)
	tables.AppendHeader(table.Row{"Schema", "Table", "Columns", "Indexes", "Foreign Keys", "Rows"})
	tables.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	for _, s := range doc.Schemas {
		for _, tbl := range s.Tables {
			tables.AppendRow(table.Row{s.Name, tbl.Name, len(tbl.Columns), len(tbl.Indexes), len(tbl.ForeignKeys), formatRows(tbl.RowCount)})
		}
	}
	tables.Render()

	for _, w := range doc.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w.Message)
	}
}

func renderJob(out io.Writer, job *models.Job) {
	t := newTable(out)
	t.AppendRows([]table.Row{
		{"Job", job.ID},
		{"Type", job.Type},
		{"State", job.State},
		{"Attempts", fmt.Sprintf("%d of %d", job.RetryCount+1, job.RetryLimit+1)},
		{"Created", job.CreatedAt.UTC().Format(time.RFC3339)},
		{"Started", formatTime(job.StartedAt)},
		{"Completed", formatTime(job.CompletedAt)},
	})
	if job.State == models.JobStateRetry {
		t.AppendRow(table.Row{"Next attempt", job.StartAfter.UTC().Format(time.RFC3339)})
	}
	var output models.JobOutput
	if len(job.Output) > 0 && json.Unmarshal(job.Output, &output) == nil {
		if output.Error != "" {
			t.AppendRow(table.Row{"Error", output.Error})
		}
		if output.Result != nil {
			data, _ := json.Marshal(output.Result)
			t.AppendRow(table.Row{"Result", string(data)})
		}
	}
	t.Render()
}

func renderStale(out io.Writer, ids []uuid.UUID, maxAge time.Duration) {
	t := newTable(out)
	t.AppendHeader(table.Row{"Connection"})
	for _, id := range ids {
		t.AppendRow(table.Row{id})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d stale (older than %s)", len(ids), maxAge)})
	t.Render()
}

func renderKeys(out io.Writer, keys []*models.APIKey) {
	t := newTable(out)
	t.AppendHeader(table.Row{"ID", "Name", "Prefix", "Scopes", "Last Used", "Created"})
	for _, k := range keys {
		t.AppendRow(table.Row{k.ID, k.Name, k.KeyPrefix, strings.Join(k.Scopes, ","), formatTime(k.LastUsedAt), k.CreatedAt.UTC().Format(time.RFC3339)})
	}
	t.Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatRows(n *int64) string {
	if n == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *n)
}
