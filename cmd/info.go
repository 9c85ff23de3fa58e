package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/container"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/device"
)

var infoOptions string

var infoCmd = &cobra.Command{
	Use:   "info <device-or-image>",
	Short: "Print container and volume statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := device.Open(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()

		super, err := container.Mount(dev, infoOptions)
		if err != nil {
			return fmt.Errorf("mount failed: %w", err)
		}
		defer super.Close()

		stat, err := super.Statfs()
		if err != nil {
			return err
		}

		volUUID, err := uuid.FromBytes(super.APSB.UUID[:])
		if err != nil {
			return err
		}

		fmt.Printf("volume:      %s\n", super.APSB.VolName)
		fmt.Printf("uuid:        %s\n", volUUID)
		fmt.Printf("block size:  %d\n", stat.BSize)
		fmt.Printf("blocks:      %d\n", stat.Blocks)
		fmt.Printf("free:        %d\n", stat.BFree)
		fmt.Printf("files:       %d\n", stat.Files)
		if opts := super.Opts.String(); opts != "" {
			fmt.Printf("options:     %s\n", opts)
		}
		return nil
	},
}

func init() {
	infoCmd.Flags().StringVarP(&infoOptions, "options", "o", "", "mount options (vol=<n>,uid=<n>,gid=<n>)")
	rootCmd.AddCommand(infoCmd)
}
