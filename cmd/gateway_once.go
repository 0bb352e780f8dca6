package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nightowlshows/showscraper/internal/ingest"
	"github.com/nightowlshows/showscraper/internal/scheduler"
)

// newGatewayOnceCmd runs a single fetch+accept cycle for one source.
// Exit codes: 0 accepted or deduplicated, 2 cadence-skipped, 3 rejected,
// 4 transient error.
func newGatewayOnceCmd() *cobra.Command {
	var (
		sourceID      string
		bypassCadence bool
		cursor        int
	)

	cmd := &cobra.Command{
		Use:   "gateway-once",
		Short: "Run one fetch+accept cycle for a source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return exitWith(4, "init: %v", err)
			}
			defer a.Close()

			bypass := bypassCadence || a.Config.Cadence.Bypass
			outcome, err := a.Scheduler.FetchOnce(cmd.Context(), sourceID, scheduler.Options{
				BypassCadence: bypass,
				Cursor:        cursor,
			})

			switch outcome.Disposition {
			case ingest.FetchAccepted:
				fmt.Printf("accepted envelope_id=%s payload_ref=%s\n", outcome.EnvelopeID, outcome.PayloadRef)
				return nil
			case ingest.FetchDeduplicated:
				fmt.Printf("deduplicated envelope_id=%s\n", outcome.EnvelopeID)
				return nil
			case ingest.FetchSkippedCadence:
				return exitWith(2, "skipped cadence: %s", outcome.Reason)
			case ingest.FetchRejected:
				return exitWith(3, "rejected: %s", outcome.Reason)
			default:
				return exitWith(4, "transient: %v", err)
			}
		},
	}

	cmd.Flags().StringVar(&sourceID, "source-id", "", "source to fetch (required)")
	cmd.Flags().BoolVar(&bypassCadence, "bypass-cadence", false, "ignore the cadence floor for this run")
	cmd.Flags().IntVar(&cursor, "cursor", 0, "logical slice cursor within the day")
	_ = cmd.MarkFlagRequired("source-id")

	return cmd
}
