package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var packagesList bool

func init() {
	rootCmd.AddCommand(packagesCmd)
	packagesCmd.Flags().BoolVar(&packagesList, "list", false, "Print the allowed packages instead of filtering")
}

var packagesCmd = &cobra.Command{
	Use:   "packages [NAME...]",
	Short: "Filter package names through the allow-list",
	Long:  "Prints the \\usepackage lines the render API would emit for the given names.",
	RunE:  runPackages,
}

func runPackages(cmd *cobra.Command, args []string) error {
	san, p, err := loadSanitizer()
	if err != nil {
		return err
	}
	if packagesList {
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(p.Packages(), "\n"))
		return nil
	}
	if out := san.FilterPackages(args); out != "" {
		fmt.Fprintln(cmd.OutOrStdout(), out)
	}
	return nil
}
