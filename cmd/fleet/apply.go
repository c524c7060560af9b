package main

import (
	"fmt"

	"github.com/cuemby/fleet/pkg/client"
	"github.com/cuemby/fleet/pkg/inventory"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply an inventory file",
	Long: `Create or update storage pools, compute nodes, disks, VMs, snapshots
and permissions from a YAML inventory file. Nothing is deleted, and
re-applying the same file is harmless.

The user needs the manage_inventory group on the system object.

Examples:
  # Declare the fleet
  fleet apply -f inventory.yaml --user admin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		filename, _ := cmd.Flags().GetString("file")
		doc, err := inventory.Load(filename)
		if err != nil {
			return err
		}

		addr, _ := cmd.Flags().GetString("server")
		sum, err := client.NewClient(addr, user).ApplyInventory(cmd.Context(), doc)
		if err != nil {
			return fmt.Errorf("failed to apply inventory: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Inventory applied: %s\n", sum)
		return nil
	},
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML inventory file to apply (required)")
	applyCmd.Flags().String("server", client.DefaultAddr, "Manager ops address")
	applyCmd.Flags().String("user", "", "User ID the change runs as")
	_ = applyCmd.MarkFlagRequired("file")
}
