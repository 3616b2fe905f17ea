package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/standup-recorder/internal/bus"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/protocol"
	"github.com/loqalabs/standup-recorder/internal/report"
)

func newAnalyzeCommand(ctx *commandContext) *cobra.Command {
	var (
		file    string
		format  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a transcript through the running daemon",
		Long:  "Reads a transcript from --file (or stdin with --file -) and asks standupd to structure it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			transcript, err := readTranscript(cmd, file)
			if err != nil {
				return err
			}
			if strings.TrimSpace(transcript) == "" {
				return failure.Wrap(failure.ErrValidation, "analyze", "transcript is empty", nil)
			}

			reqCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var reply protocol.AnalyzeReply
			err = ctx.withBus(reqCtx, func(client *bus.Client) error {
				return client.RequestJSON(reqCtx, protocol.SubjectAnalyze, protocol.AnalyzeRequest{Transcript: transcript}, &reply)
			})
			if err != nil {
				return err
			}
			if reply.Error != "" {
				return fmt.Errorf("analysis failed (%s): %s", reply.Kind, reply.Error)
			}
			rep, err := report.Decode(reply.Result)
			if err != nil {
				return err
			}
			return printReport(cmd, rep, format)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Transcript file, or - for stdin")
	cmd.Flags().StringVar(&format, "format", "slack", "Output format: slack, text or json")
	cmd.Flags().DurationVar(&timeout, "timeout", 90*time.Second, "How long to wait for the analysis")
	return cmd
}

func readTranscript(cmd *cobra.Command, file string) (string, error) {
	var r io.Reader
	if file == "" || file == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(file)
		if err != nil {
			return "", fmt.Errorf("open transcript: %w", err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(data), nil
}

func printReport(cmd *cobra.Command, rep report.Report, format string) error {
	out := cmd.OutOrStdout()
	switch strings.ToLower(format) {
	case "json":
		return writeJSON(cmd, rep)
	case "text", "plain":
		fmt.Fprintln(out, report.FormatPlain(rep))
	case "slack", "":
		fmt.Fprintln(out, report.FormatSlack(rep))
	default:
		return errors.New("format must be slack, text or json")
	}
	return nil
}
