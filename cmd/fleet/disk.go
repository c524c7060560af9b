package main

import (
	"fmt"

	"github.com/cuemby/fleet/pkg/action"
	"github.com/cuemby/fleet/pkg/client"
	"github.com/spf13/cobra"
)

var diskCmd = &cobra.Command{
	Use:   "disk",
	Short: "Manage VM disks",
}

var diskDetachCmd = &cobra.Command{
	Use:   "detach VM_ID DISK_ID",
	Short: "Detach a disk from a VM",
	Long: `Detach a disk from a VM.

A running VM is hot-unplugged first when --unplug is set; the disk must then
use an interface and guest OS that support hot plug.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		unplug, _ := cmd.Flags().GetBool("unplug")

		result, rejected, err := apiClient(cmd).DetachDisk(cmd.Context(), action.DetachDiskParams{
			VMID:       args[0],
			DiskID:     args[1],
			PlugUnplug: unplug,
		})
		if err != nil {
			return fmt.Errorf("failed to detach disk: %w", err)
		}
		if rejected != nil {
			return fmt.Errorf("detach rejected: %s: %s", rejected.Reason, rejected.Detail)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", result.Message)
		return nil
	},
}

func init() {
	diskCmd.PersistentFlags().String("server", client.DefaultAddr, "Manager ops address")
	diskCmd.PersistentFlags().String("user", "", "User ID the action runs as")
	diskDetachCmd.Flags().Bool("unplug", false, "Hot-unplug the disk if the VM is running")

	diskCmd.AddCommand(diskDetachCmd)
}
