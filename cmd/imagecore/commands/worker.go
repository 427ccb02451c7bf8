package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ironsheep/imagecore/internal/rawpool"
)

var workerCmd = &cobra.Command{
	Use:    "decode-worker",
	Short:  "Serve the RAW decode protocol on stdin/stdout",
	Hidden: true,
	Long: `Runs one RAW decode worker. The coordinator starts these itself; stdout
carries length-prefixed frames, so all logging goes to stderr.
Set IMAGECORE_WORKER_LOG_LEVEL=DEBUG to trace requests.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(rawpool.RunWorker(nil))
	},
}
