package commands

import (
	"bytes"
	"errors"
	"image"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/imagecore/internal/browse"
	"github.com/ironsheep/imagecore/internal/imaging"
)

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)

	assert.True(t, strings.HasPrefix(buf.String(), "imagecore dev\n"))
	assert.Contains(t, buf.String(), "Git commit: unknown")
}

func TestRootRegistersCommands(t *testing.T) {
	for _, name := range []string{"version", "decode-worker", "browse", "decode", "profile"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.True(t, workerCmd.Hidden)
}

func TestViewRow(t *testing.T) {
	b := imaging.NewBitmap("/p/a.png", image.NewNRGBA(image.Rect(0, 0, 100, 50)), imaging.SourceFile)

	row := viewRow(shown{view: browse.View{Index: 3, Path: "/p/a.png", Bitmap: b}, latency: 12345 * time.Microsecond})
	assert.Equal(t, []string{"3", "a.png", "100x50", "file", "20 kB", "12ms", "ok"}, row)

	cached := viewRow(shown{view: browse.View{Index: 0, Path: "/p/a.png", Bitmap: b, FromCache: true}})
	assert.Equal(t, "cached", cached[6])

	failed := viewRow(shown{view: browse.View{Index: 1, Path: "/p/b.nef", Err: errors.New("boom")}})
	assert.Equal(t, "-", failed[2])
	assert.Equal(t, "boom", failed[6])
}

func TestPalette(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+3] = 0xff, 0xff
	}
	b := imaging.NewBitmap("/p/red.png", img, imaging.SourceFile)
	assert.Equal(t, "#FF0000 100%", palette(b, 4))
}

func TestPrintPairs(t *testing.T) {
	var buf bytes.Buffer
	printPairs(&buf, [][2]string{{"Tier", "high"}, {"CPUs", "8"}})
	assert.Contains(t, buf.String(), "Tier")
	assert.Contains(t, buf.String(), "high")
	assert.Contains(t, buf.String(), "CPUs")
}
