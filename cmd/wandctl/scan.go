package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/wandkit/internal/device"
	"github.com/srg/wandkit/internal/events"
	"github.com/srg/wandkit/internal/groutine"
	"github.com/srg/wandkit/internal/watcher"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for wands",
	Long: `Scan for nearby wands and display their names, addresses and signal strength.

Use --all to list every advertising BLE device, not only wands.`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanAll       bool
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (defaults to scan_timeout)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "Show every BLE device, not only wands")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

// scanEntry is one row of the scan output.
type scanEntry struct {
	Name     string    `json:"name"`
	Address  string    `json:"address"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
}

// scanResults collects discovery events keyed by address.
type scanResults struct {
	mu      sync.Mutex
	prefix  string
	entries map[string]scanEntry
}

func newScanResults(prefix string) *scanResults {
	return &scanResults{prefix: prefix, entries: make(map[string]scanEntry)}
}

func (r *scanResults) add(ev watcher.Event) {
	name := ev.Device.Name()
	if r.prefix != "" && !strings.HasPrefix(name, r.prefix) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[ev.Device.Address()] = scanEntry{
		Name:     name,
		Address:  ev.Device.Address(),
		RSSI:     ev.RSSI,
		LastSeen: time.Now(),
	}
}

// sorted returns entries strongest signal first.
func (r *scanResults) sorted() []scanEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]scanEntry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].RSSI != list[j].RSSI {
			return list[i].RSSI > list[j].RSSI
		}
		return list[i].Address < list[j].Address
	})
	return list
}

func runScan(cmd *cobra.Command, _ []string) error {
	var filter *watcher.Filter
	if len(scanServices) > 0 || len(scanAllowList) > 0 || len(scanBlockList) > 0 {
		var services []string
		if len(scanServices) > 0 {
			var err error
			if services, err = device.ValidateUUID(scanServices...); err != nil {
				return fmt.Errorf("invalid service UUID: %w", err)
			}
		}
		filter = &watcher.Filter{ServiceUUIDs: services, AllowList: scanAllowList, BlockList: scanBlockList}
	}

	s, err := newSession(cmd, filter)
	if err != nil {
		return err
	}
	defer s.Close()

	format := scanFormat
	if format == "" {
		format = s.cfg.OutputFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
	duration := scanDuration
	if duration <= 0 {
		duration = s.cfg.ScanTimeout
	}

	prefix := s.cfg.WandPrefix
	if scanAll {
		prefix = ""
	}
	results := newScanResults(prefix)
	discoveries, closeDiscoveries := s.registry.DiscoveryStream(scanStreamCapacity)

	ctx, cancel := interruptible(context.Background(), nil)
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, duration)
	defer stop()

	var collectors groutine.Group
	collectors.Go(ctx, "scan-collector", func(context.Context) {
		collectResults(discoveries, results)
	})

	countdown := NewCountdown(os.Stdout, "Scanning", duration)
	countdown.Start()
	s.registry.StartScan()
	<-ctx.Done()
	s.registry.StopScan()
	countdown.Stop()

	closeDiscoveries()
	collectors.Wait()

	return displayScanResults(os.Stdout, results.sorted(), format)
}

// scanStreamCapacity bounds discovery events buffered between the scanner and
// the collector.
const scanStreamCapacity = 256

// collectResults drains discoveries into results until the stream is closed.
func collectResults(discoveries *events.RingChannel[watcher.Event], results *scanResults) {
	for ev := range discoveries.C() {
		results.add(ev)
	}
}

func displayScanResults(w io.Writer, entries []scanEntry, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tLAST SEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 60))
	for _, e := range entries {
		name := e.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s ago\n", name, e.Address, e.RSSI, time.Since(e.LastSeen).Truncate(time.Second))
	}
	return tw.Flush()
}
