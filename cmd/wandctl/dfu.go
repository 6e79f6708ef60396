package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/wandkit/pkg/devices"
)

var dfuCmd = &cobra.Command{
	Use:   "dfu <package.zip>",
	Short: "Update wand firmware",
	Long: `Flash a Nordic DFU package onto a wand.

The wand is reset into its bootloader, the image is transferred and the wand
is connected again once it restarts with the new firmware.`,
	Args: cobra.ExactArgs(1),
	RunE: runDfu,
}

var dfuAddress string

func init() {
	dfuCmd.Flags().StringVarP(&dfuAddress, "address", "a", "", "Wand address")
}

func runDfu(cmd *cobra.Command, args []string) error {
	pkg, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read package: %w", err)
	}

	s, err := newSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := interruptible(context.Background(), s.registry)
	defer cancel()

	d, err := s.selectWand(ctx, dfuAddress)
	if err != nil {
		return err
	}
	if err := d.Setup(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.Address(), err)
	}

	bar := NewTransferBar(os.Stdout)
	unsubscribe := d.OnEvent(func(e devices.Event) {
		if e.Type == devices.EventUpdateProgress {
			bar.Update(e.Progress)
		}
	})
	defer unsubscribe()

	fmt.Printf("Updating %s (%s)\n", d.Name(), d.Address())
	err = s.registry.UpdateDFUDevice(ctx, d, pkg)
	bar.Finish()
	if err != nil {
		return err
	}

	fmt.Println(color.GreenString("Update complete"))
	return nil
}
