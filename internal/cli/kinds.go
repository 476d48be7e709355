package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newKindsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the available step kinds",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			builder, _ := newBuilder(a.cfg)
			for _, k := range builder.Registry().List() {
				fmt.Fprintf(a.stdout, "%-10s %s\n", k.Name, k.Description)
			}
			return nil
		},
	}
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(a.stdout, "pipeline", Version)
		},
	}
}
