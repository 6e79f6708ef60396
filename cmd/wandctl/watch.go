package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/wandkit/internal/events"
	"github.com/srg/wandkit/internal/groutine"
	"github.com/srg/wandkit/internal/wand"
	"github.com/srg/wandkit/pkg/devices"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream wand events",
	Long: `Connect to a wand and print its events until Ctrl+C.

Streams: position, user-button, battery-status, sleep, temperature.
Connection changes are always printed; the wand reconnects automatically
when the link drops.`,
	RunE: runWatch,
}

var (
	watchAddress   string
	watchStreams   []string
	watchKeepAlive time.Duration
)

func init() {
	watchCmd.Flags().StringVarP(&watchAddress, "address", "a", "", "Wand address")
	watchCmd.Flags().StringSliceVarP(&watchStreams, "streams", "s",
		[]string{string(wand.EventUserButton), string(wand.EventBatteryStatus), string(wand.EventPosition)},
		"Event streams to enable")
	watchCmd.Flags().DurationVar(&watchKeepAlive, "keep-alive", 0, "Send keep-alive commands at this interval (0 disables)")
}

// eventPrinter writes one line per device event, colouring connection changes.
type eventPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *eventPrinter) print(e devices.Event) {
	var line string
	switch e.Type {
	case devices.EventConnect:
		line = color.GreenString("connected")
	case devices.EventConnecting:
		line = color.CyanString("connecting")
	case devices.EventReconnecting:
		line = color.YellowString("link lost, reconnecting")
	case devices.EventDisconnect:
		line = color.RedString("disconnected")
	case devices.EventPosition:
		line = fmt.Sprintf("position w=%d x=%d y=%d z=%d", e.Position.W, e.Position.X, e.Position.Y, e.Position.Z)
	case devices.EventUpdateProgress:
		line = fmt.Sprintf("%s %d/%d", e.Progress.Phase, e.Progress.CurrentBytes, e.Progress.TotalBytes)
	default:
		line = fmt.Sprintf("%s %d", e.Type, e.Value)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", time.Now().Format("15:04:05.000"), line)
}

// watchStreamCapacity bounds events buffered for the terminal; position
// notifications arrive faster than a slow terminal prints them.
const watchStreamCapacity = 512

// drain prints events from stream until it is closed.
func (p *eventPrinter) drain(stream *events.RingChannel[devices.Event]) {
	for e := range stream.C() {
		p.print(e)
	}
}

func parseStreams(names []string) ([]wand.EventType, error) {
	valid := map[string]wand.EventType{
		string(wand.EventPosition):      wand.EventPosition,
		string(wand.EventUserButton):    wand.EventUserButton,
		string(wand.EventBatteryStatus): wand.EventBatteryStatus,
		string(wand.EventSleep):         wand.EventSleep,
		string(wand.EventTemperature):   wand.EventTemperature,
	}
	streams := make([]wand.EventType, 0, len(names))
	for _, n := range names {
		t, ok := valid[strings.TrimSpace(n)]
		if !ok {
			return nil, fmt.Errorf("unknown stream %q", n)
		}
		streams = append(streams, t)
	}
	return streams, nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	streams, err := parseStreams(watchStreams)
	if err != nil {
		return err
	}

	s, err := newSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := interruptible(context.Background(), s.registry)
	defer cancel()

	d, err := s.selectWand(ctx, watchAddress)
	if err != nil {
		return err
	}

	printer := &eventPrinter{out: os.Stdout}
	stream, closeStream := d.Events(watchStreamCapacity)
	var printers groutine.Group
	defer func() {
		closeStream()
		printers.Wait()
	}()
	printers.Go(ctx, "event-printer", func(ctx context.Context) {
		printer.drain(stream)
		s.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Event stream closed")
	})

	if err := d.Setup(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.Address(), err)
	}
	for _, t := range streams {
		if err := d.Wand().Subscribe(ctx, t); err != nil {
			return err
		}
	}
	fmt.Printf("Watching %s (%s), press Ctrl+C to stop\n", d.Name(), d.Address())

	var tick <-chan time.Time
	if watchKeepAlive > 0 {
		ticker := time.NewTicker(watchKeepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if err := d.Wand().KeepAlive(ctx); err != nil {
				s.logger.WithError(err).Warn("Keep-alive failed")
			}
		}
	}
}
