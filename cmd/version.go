package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/tutorrouter/pkg/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("tutord"))
			return err
		},
	})
}
