package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-vrows/internal/progress"
	"github.com/rescale/rescale-vrows/internal/source"
)

// newDumpCmd creates the 'dump' command.
func newDumpCmd() *cobra.Command {
	var (
		limit      int
		format     string
		output     string
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write every row of the source, loading it page by page",
		Long: `Walks all rows of the configured source through the page cache and
writes them as text or JSON lines. Stops at the first page that cannot be
loaded after retries.

Examples:
  rescale-vrows dump --limit 1000
  rescale-vrows dump --format json -o rows.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("unknown format %q (use text or json)", format)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}

			var reporter progress.Reporter = progress.NewCLIProgress(cmd.ErrOrStderr())
			if noProgress {
				reporter = progress.NewNoOpProgress()
			}

			ctx := GetContext()
			s, err := openSession(ctx, cfg, GetLogger())
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.waitLoaded(ctx); err != nil {
				return err
			}
			return dump(ctx, s, out, reporter, limit, format == "json")
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many rows (0 = all)")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write rows to this file instead of stdout")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Do not draw a progress bar")

	return cmd
}

func dump(ctx context.Context, s *session, out io.Writer, reporter progress.Reporter, limit int, asJSON bool) error {
	c := s.table.Cache
	total := c.RowCount()
	if limit > 0 && limit < total {
		total = limit
	}

	w := bufio.NewWriter(out)
	defer w.Flush()
	enc := json.NewEncoder(w)

	started := time.Now()
	reporter.Start(int64(total), "Loading rows")
	written := 0
	for i := 0; i < total; i++ {
		err := s.waitFor(ctx, func() bool {
			_, ok := c.Row(i)
			return ok || i >= c.RowCount()
		})
		if err != nil {
			reporter.Error(err)
			return err
		}
		row, ok := c.Row(i)
		if !ok {
			// Rows went away while we were walking them
			break
		}

		if asJSON {
			if err := enc.Encode(recordMap(row)); err != nil {
				return fmt.Errorf("failed to write row %d: %w", i, err)
			}
		} else if _, err := fmt.Fprintln(w, row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
		written++
		reporter.Update(int64(written))
	}
	reporter.Finish()

	s.logger.Info().
		Int("rows", written).
		Int("pages", c.LoadedPages()).
		Uint64("generation", uint64(s.table.Loader.Generation())).
		Dur("took", time.Since(started)).
		Msg("Dump complete")
	return nil
}

func recordMap(r source.Record) map[string]any {
	m := make(map[string]any, len(r.Columns))
	for i, col := range r.Columns {
		m[col] = r.Values[i]
	}
	return m
}
