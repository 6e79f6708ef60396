package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/srg/wandkit/internal/dfu"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
	defaultBarWidth        = 30
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// terminalWidth returns the column count of w, or 0 when unknown.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// Countdown shows the remaining time of a bounded wait on a terminal line.
// It prints nothing when the output is not a terminal. Stop must be called
// to release the goroutine; it is safe to call more than once.
type Countdown struct {
	out      io.Writer
	prefix   string
	duration time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func NewCountdown(out io.Writer, prefix string, duration time.Duration) *Countdown {
	return &Countdown{out: out, prefix: prefix, duration: duration}
}

func (c *Countdown) Start() {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	if !isTerminal(c.out) {
		close(c.done)
		return
	}

	start := time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()
		for {
			remaining := c.duration - time.Since(start)
			if remaining < 0 {
				remaining = 0
			}
			// Round to the nearest second, 3.7s -> 4s
			fmt.Fprintf(c.out, "\r%s (%ds)   ", c.prefix, int(remaining.Seconds()+0.5))

			select {
			case <-c.stop:
				fmt.Fprint(c.out, clearLineSequence)
				return
			case <-ticker.C:
			}
		}
	}()
}

func (c *Countdown) Stop() {
	c.once.Do(func() {
		if c.stop == nil {
			return
		}
		close(c.stop)
		<-c.done
	})
}

// TransferBar renders DFU progress. On a terminal it redraws a single bar line;
// otherwise it prints one line per phase and per 25% step.
type TransferBar struct {
	out   io.Writer
	tty   bool
	width int

	mu       sync.Mutex
	phase    dfu.Phase
	lastStep int
	done     color.Attribute
}

func NewTransferBar(out io.Writer) *TransferBar {
	width := defaultBarWidth
	if w := terminalWidth(out); w > 0 && w/3 < width {
		width = w / 3
	}
	return &TransferBar{out: out, tty: isTerminal(out), width: width, lastStep: -1, done: color.FgGreen}
}

func (b *TransferBar) Update(t dfu.Transfer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.Phase != b.phase {
		if b.phase != "" && b.tty {
			fmt.Fprintln(b.out)
		}
		b.phase = t.Phase
		b.lastStep = -1
	}

	percent := 0
	if t.TotalBytes > 0 {
		percent = t.CurrentBytes * 100 / t.TotalBytes
	}

	if !b.tty {
		step := percent / 25
		if step == b.lastStep {
			return
		}
		b.lastStep = step
		fmt.Fprintf(b.out, "%-8s %3d%% (%d/%d bytes)\n", t.Phase, percent, t.CurrentBytes, t.TotalBytes)
		return
	}

	fmt.Fprintf(b.out, "\r%s %s %3d%% (%d/%d bytes)", b.label(t.Phase), b.render(percent), percent, t.CurrentBytes, t.TotalBytes)
}

// Finish terminates the current bar line.
func (b *TransferBar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tty && b.phase != "" {
		fmt.Fprintln(b.out)
	}
}

func (b *TransferBar) label(p dfu.Phase) string {
	return color.New(color.Bold).Sprintf("%-8s", p)
}

func (b *TransferBar) render(percent int) string {
	filled := b.width * percent / 100
	return "[" + color.New(b.done).Sprint(strings.Repeat("#", filled)) + strings.Repeat("-", b.width-filled) + "]"
}
