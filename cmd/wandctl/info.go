package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srg/wandkit/internal/bledb"
	"github.com/srg/wandkit/internal/device"
	"github.com/srg/wandkit/pkg/devices"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show wand information",
	Long: `Connect to a wand and print its firmware, hardware and battery information.

Without --address the closest wand is used.`,
	RunE: runInfo,
}

var (
	infoAddress string
	infoFormat  string
	infoProfile bool
)

func init() {
	infoCmd.Flags().StringVarP(&infoAddress, "address", "a", "", "Wand address")
	infoCmd.Flags().StringVarP(&infoFormat, "format", "f", "", "Output format (table, json)")
	infoCmd.Flags().BoolVarP(&infoProfile, "profile", "p", false, "Also list the discovered GATT profile")
}

// wandInfo is the information printed by the info command.
type wandInfo struct {
	devices.Info
	Organisation    string `json:"organisation"`
	SoftwareVersion string `json:"software_version"`
	HardwareBuild   uint8  `json:"hardware_build"`
	Battery         uint8  `json:"battery"`
	Number          uint8  `json:"number"`
}

func runInfo(cmd *cobra.Command, _ []string) error {
	s, err := newSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	format := infoFormat
	if format == "" {
		format = s.cfg.OutputFormat
	}

	ctx, cancel := interruptible(context.Background(), s.registry)
	defer cancel()

	d, err := s.selectWand(ctx, infoAddress)
	if err != nil {
		return err
	}
	if err := d.Setup(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.Address(), err)
	}

	info, err := readWandInfo(ctx, d)
	if err != nil {
		return err
	}
	if err := displayWandInfo(os.Stdout, info, format); err != nil {
		return err
	}
	if infoProfile && format != "json" {
		fmt.Println()
		return displayProfile(os.Stdout, d.Profile())
	}
	return nil
}

func readWandInfo(ctx context.Context, d *devices.Device) (*wandInfo, error) {
	w := d.Wand()
	info := &wandInfo{Info: d.JSON()}

	var err error
	if info.Organisation, err = w.Organisation(ctx); err != nil {
		return nil, fmt.Errorf("failed to read organisation: %w", err)
	}
	if info.SoftwareVersion, err = w.SoftwareVersion(ctx); err != nil {
		return nil, fmt.Errorf("failed to read software version: %w", err)
	}
	if info.HardwareBuild, err = w.HardwareBuild(ctx); err != nil {
		return nil, fmt.Errorf("failed to read hardware build: %w", err)
	}
	if info.Battery, err = w.BatteryStatus(ctx); err != nil {
		return nil, fmt.Errorf("failed to read battery status: %w", err)
	}
	if info.Number, err = w.Number(ctx); err != nil {
		return nil, fmt.Errorf("failed to read wand number: %w", err)
	}
	return info, nil
}

func displayWandInfo(w io.Writer, info *wandInfo, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Name:\t%s\n", info.Bluetooth.Name)
	fmt.Fprintf(tw, "Address:\t%s\n", info.Address)
	fmt.Fprintf(tw, "Organisation:\t%s\n", info.Organisation)
	fmt.Fprintf(tw, "Software:\t%s\n", info.SoftwareVersion)
	fmt.Fprintf(tw, "Hardware:\t%d\n", info.HardwareBuild)
	fmt.Fprintf(tw, "Battery:\t%d\n", info.Battery)
	fmt.Fprintf(tw, "Number:\t%d\n", info.Number)
	return tw.Flush()
}

// displayProfile lists services and characteristics with their known names.
func displayProfile(w io.Writer, profile *device.Profile) error {
	if profile == nil {
		fmt.Fprintln(w, "No profile discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, svc := range profile.Services {
		fmt.Fprintf(tw, "%s\t%s\t\n", svc.UUID, nameOrUnknown(bledb.LookupService(svc.UUID)))
		for _, c := range svc.Characteristics {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", c.UUID, nameOrUnknown(bledb.LookupCharacteristic(c.UUID)), c.Properties)
		}
	}
	return tw.Flush()
}

func nameOrUnknown(name string) string {
	if name == "" {
		return "Unknown"
	}
	return name
}
