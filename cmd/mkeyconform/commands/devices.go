package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/mkeyconform/internal/config"
	"github.com/piwi3910/mkeyconform/internal/hardware"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

func newDevicesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List simulated and host RDMA devices",
		Long: `List the devices the harness can open (simulated) and the RDMA devices
the host kernel exposes under sysfs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(config.Options{})
			if err != nil {
				return err
			}
			b, err := newProvider(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			simulated, err := b.Devices()
			if err != nil {
				return err
			}
			detector := hardware.NewDetector(cfg.Sysfs.Root)
			detector.Refresh()
			host := detector.Devices()

			v := struct {
				Simulated []verbs.DeviceInfo  `json:"simulated" yaml:"simulated"`
				Host      []hardware.RDMAInfo `json:"host" yaml:"host"`
			}{simulated, host}

			return render(cmd.OutOrStdout(), cfg.Output, v, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "NAME\tSOURCE\tFIRMWARE\tGUID\tPORTS\n")
				for _, d := range simulated {
					fmt.Fprintf(tw, "%s\tsimulated\t%s\t%016x\t%d\n", d.Name, d.FWVer, d.GUID, d.PhysPortCnt)
				}
				for _, d := range host {
					info := d.DeviceInfo()
					fmt.Fprintf(tw, "%s\thost\t%s\t%016x\t%d\n", info.Name, info.FWVer, info.GUID, info.PhysPortCnt)
				}
				return tw.Flush()
			})
		},
	}
}

func newCapsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "caps [device]",
		Short: "Show the signature offload capabilities of a device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(config.Options{})
			if err != nil {
				return err
			}
			name := cfg.Device
			if len(args) == 1 {
				name = args[0]
			}

			b, err := newProvider(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, err := b.Open(name)
			if err != nil {
				return fmt.Errorf("open %s: %w", name, err)
			}
			defer ctx.Close()

			c, err := ctx.QueryCaps()
			if err != nil {
				return err
			}
			features := c.Describe()

			return render(cmd.OutOrStdout(), cfg.Output, features, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "CAPABILITY\tSUPPORTED\tDESCRIPTION\n")
				for _, f := range features {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, yesNo(f.Supported), f.Description)
				}
				fmt.Fprintf(tw, "max_mkey_entries\t%d\t\n", c.MaxMkeyEntries)
				return tw.Flush()
			})
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
