package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/flightdeck/pkg/jobs"
)

var stdout io.Writer = os.Stdout

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable writes rows under header, one tab-separated row per line.
func printTable(header string, rows [][]any) error {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, header)
	for _, row := range rows {
		for i, col := range row {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, col)
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func printReports(reports []*jobs.JobReport) error {
	if jsonOutput {
		return printJSON(reports)
	}
	rows := make([][]any, 0, len(reports))
	for _, r := range reports {
		submitted := r.Submitted
		rows = append(rows, []any{r.ID, r.Status, r.StatusCode, formatTime(&submitted), formatTime(r.Completed), r.Description})
	}
	return printTable("JOB ID\tSTATUS\tCODE\tSUBMITTED\tCOMPLETED\tDESCRIPTION", rows)
}

// printResult prints a job's response payload; it is always JSON.
func printResult(result *jobs.JobResult) error {
	if jsonOutput {
		return printJSON(result)
	}
	fmt.Fprintf(stdout, "Job %s %s (%d)\n", result.Report.ID, result.Report.Status, result.Report.StatusCode)
	if len(result.Response) == 0 || string(result.Response) == "null" {
		return nil
	}
	var v any
	if err := json.Unmarshal(result.Response, &v); err != nil {
		return err
	}
	return printJSON(v)
}
