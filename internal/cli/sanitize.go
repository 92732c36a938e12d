package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"texrender/internal/latex"
)

var (
	sanitizeLimit           int
	sanitizeAllowFileInputs bool
)

func init() {
	rootCmd.AddCommand(sanitizeCmd)
	sanitizeCmd.Flags().IntVar(&sanitizeLimit, "limit", latex.DiagramSourceLimit, "Maximum input length in characters")
	sanitizeCmd.Flags().BoolVar(&sanitizeAllowFileInputs, "allow-file-inputs", false, "Permit \\input and \\include (full-document mode)")
}

var sanitizeCmd = &cobra.Command{
	Use:   "sanitize [file|-]",
	Short: "Check text against the trust policy",
	Long: "Prints OK when the text would pass the sanitizer, otherwise the\n" +
		"rejected construct. Exit code 1 on rejection.",
	Args: cobra.MaximumNArgs(1),
	RunE: runSanitize,
}

func runSanitize(cmd *cobra.Command, args []string) error {
	text, err := readInput(cmd, args)
	if err != nil {
		return err
	}
	san, _, err := loadSanitizer()
	if err != nil {
		return err
	}
	if _, err := san.Sanitize(text, sanitizeLimit, sanitizeAllowFileInputs); err != nil {
		return reportRejection(cmd, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "OK")
	return nil
}
