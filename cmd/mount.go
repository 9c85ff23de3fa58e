package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/container"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/device"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/fsys"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/volume"
)

var (
	mountOptions string
	allowOther   bool
	fuseDebug    bool
)

var mountCmd = &cobra.Command{
	Use:   "mount <device-or-image> <mountpoint>",
	Short: "Mount an APFS volume through FUSE, read-only",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		devicePath, mountpoint := args[0], args[1]

		options := mountOptions
		if !cmd.Flags().Changed("options") {
			options = configOptions()
		}

		dev, err := device.Open(devicePath)
		if err != nil {
			return err
		}
		defer dev.Close()

		super, err := container.Mount(dev, options)
		if err != nil {
			return fmt.Errorf("mount failed: %w", err)
		}
		defer super.Close()

		vol := volume.New(super)
		defer vol.Close()

		server, err := fsys.Mount(fsys.Options{
			Mountpoint: mountpoint,
			Volume:     vol,
			AllowOther: allowOther || configAllowOther(),
			Debug:      fuseDebug,
		})
		if err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			logrus.Info("unmounting")
			if err := server.Unmount(); err != nil {
				logrus.WithError(err).Error("unmount failed")
			}
		}()

		server.Wait()
		return nil
	},
}

func init() {
	mountCmd.Flags().StringVarP(&mountOptions, "options", "o", "", "mount options (vol=<n>,uid=<n>,gid=<n>)")
	mountCmd.Flags().BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	mountCmd.Flags().BoolVar(&fuseDebug, "fuse-debug", false, "trace the FUSE protocol")
	rootCmd.AddCommand(mountCmd)
}
