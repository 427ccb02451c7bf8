package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	disimaging "github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ironsheep/imagecore/internal/coordinator"
	"github.com/ironsheep/imagecore/internal/imaging"
	"github.com/ironsheep/imagecore/internal/scheduler"
)

var (
	decodeOutput   string
	decodeStrategy string
	decodeTimeout  time.Duration
)

var decodeCmd = &cobra.Command{
	Use:   "decode <file>",
	Short: "Decode one image through the coordinator and save it",
	Long: `Decode loads a single file the way the browser would: RAW files go to a
decode worker process, everything else to the thread pool. The result is
written to --output in the format its extension names.

Examples:
  imagecore decode DSC_0042.NEF -o preview.png
  imagecore decode DSC_0042.NEF --strategy preview -o preview.jpg`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().StringVarP(&decodeOutput, "output", "o", "", "output file (.png, .jpg, .tif, .bmp, .gif)")
	decodeCmd.Flags().StringVar(&decodeStrategy, "strategy", string(imaging.StrategyFull), "RAW strategy: full or preview")
	decodeCmd.Flags().DurationVar(&decodeTimeout, "timeout", 30*time.Second, "give up after this long")
	_ = decodeCmd.MarkFlagRequired("output")
}

func runDecode(cmd *cobra.Command, args []string) error {
	strategy := imaging.Strategy(decodeStrategy)
	if !strategy.Valid() {
		return fmt.Errorf("unknown strategy %q", decodeStrategy)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), decodeTimeout)
	defer cancel()

	env, err := setup(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	c, err := coordinator.New(coordinator.Options{
		Config:     env.cfg,
		Logger:     env.logger,
		Metrics:    env.metrics,
		Strategies: coordinator.NewMemoryStrategyStore(strategy),
	})
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Shutdown()

	path := imaging.CanonicalPath(args[0])
	info, err := imaging.LoadImageInfo(path)
	if err != nil {
		return err
	}
	var (
		result    *imaging.Bitmap
		resultErr error
	)
	runCtx, finish := context.WithCancel(ctx)
	defer finish()

	done := func(b *imaging.Bitmap, err error) {
		result, resultErr = b, err
		finish()
	}

	started := time.Now()
	if imaging.IsRaw(path) {
		_, err = c.SubmitRawDecode(path, done)
	} else {
		maxDim := env.cfg.RawPool.MaxDimension
		_, err = c.SubmitImagingTask(scheduler.High, func(ctx context.Context) (any, error) {
			return imaging.Load(path, maxDim)
		}, func(r coordinator.TaskResult) {
			if r.Err != nil {
				done(nil, r.Err)
				return
			}
			done(r.Value.(*imaging.Bitmap), nil)
		})
	}
	if err != nil {
		return err
	}

	if err := c.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if result == nil && resultErr == nil {
		return fmt.Errorf("decode of %s did not finish: %w", path, ctx.Err())
	}
	if resultErr != nil {
		return resultErr
	}

	if err := disimaging.Save(result.Image, decodeOutput); err != nil {
		return fmt.Errorf("failed to save %s: %w", decodeOutput, err)
	}

	printPairs(cmd.OutOrStdout(), [][2]string{
		{"Input", fmt.Sprintf("%s (%s, %s)", path, info.Format, humanize.Bytes(uint64(info.FileSizeBytes)))},
		{"Output", decodeOutput},
		{"Size", fmt.Sprintf("%dx%d", result.Width(), result.Height())},
		{"Source", string(result.Source)},
		{"Memory", humanize.Bytes(uint64(result.Bytes()))},
		{"Palette", palette(result, 4)},
		{"Elapsed", time.Since(started).Round(time.Millisecond).String()},
	})
	return nil
}

// palette lists the n most frequent colours of b with their share.
func palette(b *imaging.Bitmap, n int) string {
	var out []string
	for _, c := range imaging.DominantColors(b.Image, n) {
		out = append(out, fmt.Sprintf("%s %.0f%%", c.Hex, c.Percentage))
	}
	return strings.Join(out, ", ")
}
