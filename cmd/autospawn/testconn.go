package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test hypervisor and registry connectivity",
	Long: `Connect to the hypervisor and the Guacamole database and report what
autospawn would see: the managed VMs and the desired connections.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(configPath)
		if err != nil {
			return err
		}
		defer a.close()
		ctx := cmd.Context()

		fmt.Printf("Testing %s hypervisor connection...\n", a.cfg.Hypervisor.Driver)
		ctrl, err := a.buildController()
		if err != nil {
			return err
		}
		if err := ctrl.Check(ctx); err != nil {
			return runtimeError(fmt.Errorf("hypervisor connection test failed: %w", err))
		}
		fmt.Println("✓ Connected to hypervisor")

		resources, err := ctrl.ListResources(ctx)
		if err != nil {
			return runtimeError(fmt.Errorf("failed to list resources: %w", err))
		}
		fmt.Printf("✓ Managed VMs: %d\n", len(resources))

		fmt.Printf("Testing %s registry connection...\n", a.cfg.Registry.Driver)
		reader, err := a.buildRegistry()
		if err != nil {
			return err
		}
		if err := reader.Ping(ctx); err != nil {
			return runtimeError(fmt.Errorf("registry connection test failed: %w", err))
		}
		fmt.Println("✓ Connected to registry")
		fmt.Printf("✓ Desired connections: %d\n", len(reader.ListDesired(ctx)))

		fmt.Println("\nConnection test successful!")
		return nil
	},
}
