package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/autospawn/internal/output"
)

var (
	listOutput    string
	listNoHeaders bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List managed VMs",
	Long: `List the virtual machines autospawn manages on the hypervisor.

Shows id, name, owner, lifecycle state, hypervisor status and whether the
ownership tag is present.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := output.NewFormatter(output.Options{
			Format:    output.Format(listOutput),
			NoHeaders: listNoHeaders,
		})
		if err != nil {
			return err
		}

		a, err := newApp(configPath)
		if err != nil {
			return err
		}
		defer a.close()

		ctrl, err := a.buildController()
		if err != nil {
			return err
		}
		resources, err := ctrl.ListResources(cmd.Context())
		if err != nil {
			return runtimeError(fmt.Errorf("failed to list resources: %w", err))
		}

		out, err := formatter.FormatResourceList(resources)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	listCmd.Flags().StringVarP(&listOutput, "output", "o", string(output.FormatTable), "output format: table, yaml, json")
	listCmd.Flags().BoolVar(&listNoHeaders, "no-headers", false, "omit the table header")
}
