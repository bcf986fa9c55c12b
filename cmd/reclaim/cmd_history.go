package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/reclaim/internal/config"
	"github.com/yairfalse/reclaim/storage"
	"github.com/yairfalse/reclaim/wal"
)

var (
	historyLimit      int
	historyPersistent int
	historyJournal    time.Duration
	historyJSON       bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent cycles and long-lived leaks",
	Long: `Show what recent GC cycles found and remediated.

With --persistent N, list the leaks that are still present and have been
seen in at least N cycles. With --journal, replay the remediation journal
for the given window.`,
	Example: `  reclaim history                    # Last 10 cycles
  reclaim history --limit 50 --json
  reclaim history --persistent 3     # Leaks seen in 3+ cycles
  reclaim history --journal 24h      # Dispatches in the last day`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of cycles to show")
	historyCmd.Flags().IntVar(&historyPersistent, "persistent", 0, "Show leaks seen in at least this many cycles")
	historyCmd.Flags().DurationVar(&historyJournal, "journal", 0, "Replay journal entries from this window")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if historyJournal > 0 {
		if cfg.Storage.JournalDir == "" {
			return errors.New("storage.journal_dir is not configured")
		}
		return writeJournal(out, cfg.Storage.JournalDir, time.Now().Add(-historyJournal), historyJSON)
	}

	if cfg.Storage.HistoryPath == "" {
		return errors.New("storage.history_path is not configured")
	}
	h, err := storage.OpenHistory(cfg.Storage.HistoryPath)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	if historyPersistent > 0 {
		sightings := h.Persistent(historyPersistent)
		if historyJSON {
			return json.NewEncoder(out).Encode(sightings)
		}
		return writeSightings(out, sightings)
	}

	cycles, err := h.Cycles(historyLimit)
	if err != nil {
		return err
	}
	if historyJSON {
		return json.NewEncoder(out).Encode(cycles)
	}
	return writeCycles(out, cycles)
}

func writeCycles(w io.Writer, cycles []storage.CycleRecord) error {
	if len(cycles) == 0 {
		_, err := fmt.Fprintln(w, "No cycles recorded.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REV\tCYCLE\tSTARTED\tDURATION\tCOLLECTOR\tFOUND\tREMEDIATED\tERROR")
	for _, c := range cycles {
		for _, p := range c.Passes {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				c.Revision,
				shortID(c.ID),
				c.StartedAt.UTC().Format(time.RFC3339),
				c.FinishedAt.Sub(c.StartedAt).Round(time.Millisecond),
				p.Collector,
				len(p.Discovered),
				len(p.Remediated),
				passError(p),
			)
		}
		if len(c.Passes) == 0 {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t-\t0\t0\t\n",
				c.Revision, shortID(c.ID), c.StartedAt.UTC().Format(time.RFC3339),
				c.FinishedAt.Sub(c.StartedAt).Round(time.Millisecond))
		}
	}
	return tw.Flush()
}

func writeSightings(w io.Writer, sightings []storage.Sighting) error {
	if len(sightings) == 0 {
		_, err := fmt.Fprintln(w, "No persistent leaks.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTOR\tRESOURCE\tTYPE\tSEEN\tFIRST SEEN\tLAST REMEDIATION")
	for _, s := range sightings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.Collector, s.ResourceID, s.Type, s.TimesSeen,
			s.FirstSeenAt.UTC().Format(time.RFC3339), orDash(s.LastRemediationID))
	}
	return tw.Flush()
}

func writeJournal(w io.Writer, dir string, since time.Time, asJSON bool) error {
	enc := json.NewEncoder(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !asJSON {
		fmt.Fprintln(tw, "TIME\tTYPE\tRESOURCE\tERROR")
	}

	err := wal.Replay(dir, since, func(e *wal.Entry) error {
		if asJSON {
			return enc.Encode(e)
		}
		_, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339), e.Type, e.ResourceID, orDash(e.Error))
		return err
	})
	if err != nil {
		return err
	}
	if asJSON {
		return nil
	}
	return tw.Flush()
}

func passError(p storage.PassRecord) string {
	msgs := make([]string, 0, 2)
	if p.DiscoverError != "" {
		msgs = append(msgs, "discover: "+p.DiscoverError)
	}
	if p.CleanupError != "" {
		msgs = append(msgs, "cleanup: "+p.CleanupError)
	}
	return strings.Join(msgs, "; ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
