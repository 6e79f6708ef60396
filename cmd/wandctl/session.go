package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	goble "github.com/srg/wandkit/internal/device/go-ble"
	"github.com/srg/wandkit/internal/watcher"
	"github.com/srg/wandkit/pkg/config"
	"github.com/srg/wandkit/pkg/devices"
	"github.com/srg/wandkit/pkg/dfupackage"
)

// session bundles what every command needs: configuration, logger, adapter
// and the device registry on top of it.
type session struct {
	cfg      *config.Config
	logger   *logrus.Logger
	adapter  *goble.Adapter
	registry *devices.Registry
}

func newSession(cmd *cobra.Command, filter *watcher.Filter) (*session, error) {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg, fromFile)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	adapter, err := goble.NewAdapter(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open BLE adapter: %w", goble.NormalizeError(err))
	}

	registry := devices.New(adapter, devices.Options{
		Config:    cfg,
		Extractor: dfupackage.ZipExtractor{},
		Filter:    filter,
	}, logger)

	return &session{cfg: cfg, logger: logger, adapter: adapter, registry: registry}, nil
}

func (s *session) Close() {
	if err := s.registry.Terminate(context.Background()); err != nil {
		s.logger.WithError(err).Warn("Failed to release devices")
	}
	if err := s.adapter.Close(); err != nil {
		s.logger.WithError(err).Debug("Failed to close adapter")
	}
}

// selectWand finds the wand with address, or the closest wand when address is empty.
func (s *session) selectWand(ctx context.Context, address string) (*devices.Device, error) {
	if address != "" {
		countdown := NewCountdown(os.Stdout, "Looking for "+address, s.cfg.ScanTimeout)
		countdown.Start()
		defer countdown.Stop()
		return s.registry.SearchForDeviceFunc(ctx, watcher.Address(address), s.cfg.ScanTimeout)
	}

	countdown := NewCountdown(os.Stdout, "Looking for the closest wand", s.cfg.ClosestWindow)
	countdown.Start()
	defer countdown.Stop()
	return s.registry.SearchForClosestDevice(ctx, devices.DeviceTypeWand, 0)
}

// interruptible returns a context cancelled on Ctrl+C. A first Ctrl+C also
// interrupts pending searches of the registry.
func interruptible(parent context.Context, registry *devices.Registry) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nCtrl+C pressed, cancelling...")
			if registry != nil {
				registry.Interrupt()
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
