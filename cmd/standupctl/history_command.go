package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/report"
	"github.com/loqalabs/standup-recorder/internal/store"
)

const dateLayout = "2006-01-02"

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		date     string
		jsonFlag bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List analyzed standups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(st *store.Store) error {
				records, err := loadHistory(cmd, st, date)
				if err != nil {
					return err
				}
				if wantJSON(cmd, jsonFlag) {
					return writeJSON(cmd, records)
				}
				out := cmd.OutOrStdout()
				if len(records) == 0 {
					fmt.Fprintln(out, "No standups recorded")
					return nil
				}
				fmt.Fprintln(out, renderHistory(records, st.Location()))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Only show the standup recorded on YYYY-MM-DD")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Output JSON")
	return cmd
}

func loadHistory(cmd *cobra.Command, st *store.Store, date string) ([]report.Record, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		records, err := st.ListRecords(cmd.Context())
		if records == nil {
			records = []report.Record{}
		}
		return records, err
	}
	day, err := time.ParseInLocation(dateLayout, date, st.Location())
	if err != nil {
		return nil, failure.Wrap(failure.ErrValidation, "history", "date must be YYYY-MM-DD", err)
	}
	rec, ok, err := st.FindRecordByDate(cmd.Context(), day)
	if err != nil || !ok {
		return []report.Record{}, err
	}
	return []report.Record{rec}, nil
}

func renderHistory(records []report.Record, loc *time.Location) string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		sentiment := "-"
		if s := rec.Report.Sentiment; s != nil {
			sentiment = fmt.Sprintf("%s (%+.2f)", s.Label, s.Score)
		}
		rows = append(rows, []string{
			rec.Date.In(loc).Format("2006-01-02 15:04"),
			fmt.Sprintf("%d", len(rec.Report.CompletedYesterday)),
			fmt.Sprintf("%d", len(rec.Report.PlannedToday)),
			firstOr(rec.Report.Blockers, "none"),
			sentiment,
		})
	}
	return renderTable(
		[]string{"Date", "Done", "Planned", "Blockers", "Sentiment"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	)
}

func firstOr(items []string, fallback string) string {
	switch len(items) {
	case 0:
		return fallback
	case 1:
		return items[0]
	default:
		return fmt.Sprintf("%s (+%d more)", items[0], len(items)-1)
	}
}
