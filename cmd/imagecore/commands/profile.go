package commands

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ironsheep/imagecore/internal/config"
)

var (
	profileYAML  bool
	profileForce string
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the detected hardware profile",
	Long: `Profile samples total memory and CPU count, picks a tier and prints the
pool sizes, cache capacity and preload windows that tier implies.

Use --yaml to print the profile, plus the full effective configuration, in a
form suitable for a config file.`,
	RunE: runProfile,
}

func init() {
	profileCmd.Flags().BoolVar(&profileYAML, "yaml", false, "print as YAML")
	profileCmd.Flags().StringVar(&profileForce, "tier", "auto", "force a tier: auto, low, medium, high, ultra")
}

func runProfile(cmd *cobra.Command, args []string) error {
	prof, err := config.DetectProfile(cmd.Context(), profileForce)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if profileYAML {
		doc := struct {
			Profile config.Profile `yaml:"profile"`
			Config  *config.Config `yaml:"config"`
		}{prof, config.GetDefaultConfig(prof)}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode profile: %w", err)
		}
		return enc.Close()
	}

	idle := "off"
	if prof.IdleEnabled {
		idle = "after " + prof.IdleDelay.String()
	}
	printPairs(out, [][2]string{
		{"Tier", string(prof.Tier)},
		{"Memory", humanize.IBytes(prof.TotalMemory)},
		{"CPUs", strconv.Itoa(prof.CPUs)},
		{"Thread workers", strconv.Itoa(prof.ThreadWorkers)},
		{"Decode processes", strconv.Itoa(prof.ProcessWorkers)},
		{"Cache capacity", strconv.Itoa(prof.CacheCapacity)},
		{"Preload window", fmt.Sprintf("%d forward, %d backward, %d high", prof.PreloadForward, prof.PreloadBackward, prof.PreloadHighCount)},
		{"Idle preload", idle},
	})
	return nil
}
