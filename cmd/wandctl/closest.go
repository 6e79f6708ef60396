package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/wandkit/pkg/devices"
)

var closestCmd = &cobra.Command{
	Use:   "closest",
	Short: "Find the closest wand",
	Long: `Observe advertisements for a window and report the wand with the strongest signal.`,
	RunE: runClosest,
}

var (
	closestWindow time.Duration
	closestFormat string
)

func init() {
	closestCmd.Flags().DurationVarP(&closestWindow, "window", "w", 0, "Observation window (defaults to closest_window)")
	closestCmd.Flags().StringVarP(&closestFormat, "format", "f", "", "Output format (table, json)")
}

func runClosest(cmd *cobra.Command, _ []string) error {
	s, err := newSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	format := closestFormat
	if format == "" {
		format = s.cfg.OutputFormat
	}
	window := closestWindow
	if window <= 0 {
		window = s.cfg.ClosestWindow
	}

	ctx, cancel := interruptible(context.Background(), s.registry)
	defer cancel()

	countdown := NewCountdown(os.Stdout, "Looking for the closest wand", window)
	countdown.Start()
	d, err := s.registry.SearchForClosestDevice(ctx, devices.DeviceTypeWand, window)
	countdown.Stop()
	if err != nil {
		return err
	}

	if format == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(d)
	}
	fmt.Printf("%s\t%s\n", d.Name(), d.Address())
	return nil
}
