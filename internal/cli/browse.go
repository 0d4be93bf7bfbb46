package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rescale/rescale-vrows/internal/pager"
	"github.com/rescale/rescale-vrows/internal/source"
)

const defaultViewportHeight = 20

// newBrowseCmd creates the 'browse' command.
func newBrowseCmd() *cobra.Command {
	var (
		start  int
		step   int
		steps  int
		height int
	)

	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Scroll a viewport over the rows, loading pages as they come into view",
		Long: `Simulates a table view scrolling over the configured source.

The viewport starts at row --start and moves --step rows at a time for
--steps screens. Each screen is printed once every row in it is loaded;
only the pages under the viewport are fetched.

Examples:
  rescale-vrows browse --start 5000 --step 40 --steps 5
  rescale-vrows browse --height 10 --step -10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if height <= 0 {
				height = viewportHeight()
			}
			if step == 0 {
				step = height
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
			return browse(ctx, s, cmd.OutOrStdout(), start, step, steps, height)
		},
	}

	cmd.Flags().IntVar(&start, "start", 0, "First row in the viewport (0-based)")
	cmd.Flags().IntVar(&step, "step", 0, "Rows to scroll per screen, negative scrolls up (default: viewport height)")
	cmd.Flags().IntVar(&steps, "steps", 3, "Number of screens to show")
	cmd.Flags().IntVar(&height, "height", 0, "Viewport height in rows (default: terminal height)")

	return cmd
}

func browse(ctx context.Context, s *session, out io.Writer, top, step, steps, height int) error {
	c := s.table.Cache
	for shown := 0; shown < steps; {
		total := c.RowCount()
		if total == 0 {
			fmt.Fprintln(out, "No rows")
			return nil
		}
		top = max(0, min(top, total-height))
		end := min(top+height, total)

		err := s.waitFor(ctx, func() bool {
			return c.RowCount() != total || viewLoaded(c, top, end)
		})
		if err != nil {
			return err
		}
		if c.RowCount() != total {
			// Reloaded underneath us, lay out the screen again
			continue
		}

		fmt.Fprintf(out, "-- rows %d-%d of %d --\n", top+1, end, total)
		for r := top; r < end; r++ {
			row, _ := c.Row(r)
			fmt.Fprintf(out, "%8d  %s\n", r+1, row)
		}
		shown++

		if (step > 0 && end == total) || (step < 0 && top == 0) {
			break
		}
		top += step
	}
	return nil
}

// viewLoaded reports whether rows [top, end) are all cached. Every miss is
// reported to the scheduler, so this also requests the missing pages.
func viewLoaded(c *pager.Cache[source.Record], top, end int) bool {
	loaded := true
	for r := top; r < end; r++ {
		if _, ok := c.Row(r); !ok {
			loaded = false
		}
	}
	return loaded
}

// viewportHeight leaves room for the header line and the prompt.
func viewportHeight() int {
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		if _, h, err := term.GetSize(fd); err == nil && h > 4 {
			return h - 2
		}
	}
	return defaultViewportHeight
}
