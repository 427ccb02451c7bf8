package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ironsheep/imagecore/internal/browse"
	"github.com/ironsheep/imagecore/internal/coordinator"
	"github.com/ironsheep/imagecore/internal/imaging"
)

var (
	browseSteps   int
	browseSettle  time.Duration
	browseReverse bool
	browseStart   int
)

var browseCmd = &cobra.Command{
	Use:   "browse <dir>",
	Short: "Walk a directory of images the way a viewer would",
	Long: `Browse shows each image in a directory in turn, waiting --settle between
steps, while the preloader fetches neighbours in the background. When it is
done it prints what was shown and how the cache and pools ended up.

Examples:
  # Step through every image, 200ms apart
  imagecore browse ~/Pictures/shoot

  # Ten steps backwards from the fifth image, pausing half a second
  imagecore browse ~/Pictures/shoot --start 4 --steps 10 --reverse --settle 500ms`,
	Args: cobra.ExactArgs(1),
	RunE: runBrowse,
}

func init() {
	browseCmd.Flags().IntVar(&browseSteps, "steps", 0, "number of images to show (default: every file once)")
	browseCmd.Flags().DurationVar(&browseSettle, "settle", 200*time.Millisecond, "time spent on each image")
	browseCmd.Flags().BoolVar(&browseReverse, "reverse", false, "step backwards")
	browseCmd.Flags().IntVar(&browseStart, "start", 0, "index of the first image")
}

type shown struct {
	view    browse.View
	latency time.Duration
}

func runBrowse(cmd *cobra.Command, args []string) error {
	files, err := browse.ScanDir(args[0])
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%s: %w", args[0], browse.ErrEmpty)
	}
	if browseStart < 0 || browseStart >= len(files) {
		return fmt.Errorf("--start must be between 0 and %d", len(files)-1)
	}
	steps := browseSteps
	if steps <= 0 {
		steps = len(files)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := setup(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	c, err := coordinator.New(coordinator.Options{
		Config:  env.cfg,
		Logger:  env.logger,
		Metrics: env.metrics,
	})
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Shutdown()

	// Everything below the driver goroutine runs on the owner goroutine.
	requested := make(map[int]time.Time)
	var results []shown
	sess, err := browse.New(c, files, browse.Options{
		Logger: env.logger,
		OnShow: func(v browse.View) {
			results = append(results, shown{view: v, latency: time.Since(requested[v.Index])})
		},
		OnWarning: func(model string, next imaging.Strategy, err error) {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: RAW decode failed for %s files; using %s decoding from now on\n", model, next)
		},
	})
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go func() {
		defer cancelRun()
		for i := 0; i < steps; i++ {
			first := i == 0
			c.Post(func() {
				var err error
				switch {
				case first:
					requested[browseStart] = time.Now()
					err = sess.Show(browseStart)
				default:
					next := sess.Index() + 1
					if browseReverse {
						next = sess.Index() - 1
					}
					next = ((next % len(files)) + len(files)) % len(files)
					requested[next] = time.Now()
					err = sess.Show(next)
				}
				if err != nil {
					env.logger.Warn("show rejected", "error", err)
				}
			})
			select {
			case <-time.After(browseSettle):
			case <-runCtx.Done():
				return
			}
		}
	}()

	if err := c.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	stats := c.Stats()
	sess.Close()

	out := cmd.OutOrStdout()
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, viewRow(r))
	}
	printTable(out, []string{"#", "File", "Size", "Source", "Memory", "Latency", "Status"}, rows)
	fmt.Fprintln(out)

	printPairs(out, [][2]string{
		{"Profile", string(env.profile.Tier)},
		{"Images shown", fmt.Sprintf("%d of %d steps", len(results), steps)},
		{"Cache", fmt.Sprintf("%d / %d entries (%s)", stats.CacheEntries, stats.CacheCapacity, humanize.Bytes(uint64(stats.CacheBytes)))},
		{"Preloads in flight", strconv.Itoa(sess.Planner().InFlight())},
		{"Tasks completed", humanize.Comma(int64(stats.Scheduler.Completed))},
		{"Tasks queued", fmt.Sprintf("high=%d medium=%d low=%d", stats.Scheduler.Queued[0], stats.Scheduler.Queued[1], stats.Scheduler.Queued[2])},
		{"Decode workers", fmt.Sprintf("%d / %d alive", stats.RawPool.Alive, stats.RawPool.Workers)},
	})
	return nil
}

func viewRow(r shown) []string {
	v := r.view
	row := []string{strconv.Itoa(v.Index), filepath.Base(v.Path), "-", "-", "-", r.latency.Round(time.Millisecond).String(), "ok"}
	if v.FromCache {
		row[6] = "cached"
	}
	if v.Err != nil {
		row[6] = v.Err.Error()
		return row
	}
	if b := v.Bitmap; b != nil {
		row[2] = fmt.Sprintf("%dx%d", b.Width(), b.Height())
		row[3] = string(b.Source)
		row[4] = humanize.Bytes(uint64(b.Bytes()))
	}
	return row
}
