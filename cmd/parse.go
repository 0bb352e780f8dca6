package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nightowlshows/showscraper/internal/ingest"
)

// newParseCmd advances a named consumer through the ingest log, emitting up
// to N envelope lines. Parsing proper happens downstream; this command owns
// only the consumer-offset contract.
func newParseCmd() *cobra.Command {
	var (
		consumerID string
		maxRecords int
		sourceID   string
		outputPath string
	)

	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Advance a consumer through the ingest log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return exitWith(4, "init: %v", err)
			}
			defer a.Close()

			out := io.Writer(os.Stdout)
			if outputPath != "" {
				f, err := os.Create(outputPath) // #nosec G304 -- operator-supplied output path
				if err != nil {
					return exitWith(4, "open output: %v", err)
				}
				defer func() { _ = f.Close() }()
				out = f
			}

			records, err := a.Reader.Next(cmd.Context(), consumerID, maxRecords)
			if errors.Is(err, ingest.ErrEndOfStream) {
				fmt.Println("end of stream")
				return nil
			}
			if err != nil {
				return exitWith(4, "read log: %v", err)
			}

			emitted := 0
			for _, rec := range records {
				if sourceID != "" && !lineMatchesSource(rec.Line, sourceID) {
					continue
				}
				if _, err := fmt.Fprintln(out, rec.Line); err != nil {
					return exitWith(4, "write output: %v", err)
				}
				emitted++
			}

			last := records[len(records)-1].Position
			if err := a.Reader.CommitOffset(cmd.Context(), consumerID, last); err != nil {
				return exitWith(4, "commit offset: %v", err)
			}

			fmt.Fprintf(os.Stderr, "advanced %s to %s@%d (%d emitted)\n",
				consumerID, last.FileDate, last.ByteOffset, emitted)
			return nil
		},
	}

	cmd.Flags().StringVar(&consumerID, "consumer", "", "consumer id (required)")
	cmd.Flags().IntVar(&maxRecords, "max", 100, "maximum envelopes to advance past")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "emit only envelopes from this source")
	cmd.Flags().StringVar(&outputPath, "output", "", "write emitted lines to a file instead of stdout")
	_ = cmd.MarkFlagRequired("consumer")

	return cmd
}

func lineMatchesSource(line, sourceID string) bool {
	var probe struct {
		SourceID string `json:"source_id"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return false
	}
	return probe.SourceID == sourceID
}
