package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"podcam/internal/camera"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "利用可能なカメラデバイスを一覧表示する",
	RunE: func(cmd *cobra.Command, args []string) error {
		d := camera.NewLinuxDiscovery(camera.ExecRunner)
		devices, err := d.ScanDevices(cmd.Context())
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "カメラデバイスが見つかりません")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tNAME\tDRIVER\tFORMATS")
		for _, dev := range devices {
			info, err := d.GetDeviceInfo(cmd.Context(), dev)
			if err != nil {
				fmt.Fprintf(w, "%s\t-\t-\t%v\n", dev, err)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Device, info.Name, info.Driver, strings.Join(info.Formats, ","))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
