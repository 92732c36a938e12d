package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"texrender/internal/latex/compiler"
	"texrender/internal/latex/policy"
)

// errRejected makes texcheck exit 1 after the rejection has been printed.
var errRejected = errors.New("input rejected")

var policyPath string

var rootCmd = &cobra.Command{
	Use:   "texcheck",
	Short: "Offline checks against the render service trust policy",
	Long: "Runs the same sanitizer, package filter and document assembly the\n" +
		"render API uses, without invoking any TeX engine. Useful for\n" +
		"vetting a policy file or a diagram before sending it.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "", "Path to policy YAML (default: built-in policy)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRejected) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func loadSanitizer() (*compiler.Sanitizer, *policy.Policy, error) {
	p, err := policy.Load(policyPath)
	if err != nil {
		return nil, nil, err
	}
	return compiler.NewSanitizer(p), p, nil
}

// readInput reads the file named by args[0], or stdin when it is absent or "-".
func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	}
	data, err := os.ReadFile(args[0])
	return string(data), err
}

// reportRejection prints a sanitizer failure and converts it to errRejected.
func reportRejection(cmd *cobra.Command, err error) error {
	var forbidden *compiler.ForbiddenConstructError
	var tooLong *compiler.InputTooLongError
	switch {
	case errors.As(err, &forbidden):
		fmt.Fprintf(cmd.OutOrStdout(), "REJECTED %s: %s\n", forbidden.Reason, forbidden.Token)
	case errors.As(err, &tooLong):
		fmt.Fprintf(cmd.OutOrStdout(), "REJECTED %v\n", tooLong)
	default:
		return err
	}
	return errRejected
}
