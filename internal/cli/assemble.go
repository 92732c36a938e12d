package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"texrender/internal/latex"
	"texrender/internal/latex/compiler"
)

var (
	assembleMode     string
	assemblePackages []string
	assemblePreamble string
)

func init() {
	rootCmd.AddCommand(assembleCmd)
	assembleCmd.Flags().StringVar(&assembleMode, "mode", "auto", "Assembly mode (auto|body|full)")
	assembleCmd.Flags().StringSliceVar(&assemblePackages, "packages", nil, "Extra packages, filtered through the allow-list")
	assembleCmd.Flags().StringVar(&assemblePreamble, "preamble", "", "Path to extra preamble text")
}

var assembleCmd = &cobra.Command{
	Use:   "assemble [file|-]",
	Short: "Print the document the render API would compile",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAssemble,
}

func runAssemble(cmd *cobra.Command, args []string) error {
	mode, ok := compiler.ParseMode(assembleMode)
	if !ok {
		return fmt.Errorf("unknown mode %q", assembleMode)
	}
	source, err := readInput(cmd, args)
	if err != nil {
		return err
	}
	var preamble string
	if assemblePreamble != "" {
		data, err := os.ReadFile(assemblePreamble)
		if err != nil {
			return err
		}
		preamble = string(data)
	}

	san, _, err := loadSanitizer()
	if err != nil {
		return err
	}
	if source, err = san.Sanitize(source, latex.DiagramSourceLimit, false); err != nil {
		return reportRejection(cmd, err)
	}
	if preamble, err = san.Sanitize(preamble, latex.PreambleLimit, false); err != nil {
		return reportRejection(cmd, err)
	}

	fmt.Fprint(cmd.OutOrStdout(), compiler.Assemble(compiler.AssembleInput{
		Source:        source,
		Mode:          mode,
		Packages:      san.FilterPackages(assemblePackages),
		ExtraPreamble: preamble,
	}))
	return nil
}
