// Package dfu implements Nordic secure DFU over the connection layer: object
// framing, CRC32 verification, packet streaming with receipt flow control, and
// the buttonless switch into bootloader mode.
package dfu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wandkit/internal/connection"
	"github.com/srg/wandkit/internal/device"
	"github.com/srg/wandkit/internal/events"
	"github.com/srg/wandkit/internal/subscription"
)

const (
	DefaultPacketSize      = 20
	DefaultReceiptStride   = 20
	DefaultNameDelay       = 100 * time.Millisecond
	DefaultResponseTimeout = 10 * time.Second
)

// Conn is the part of connection.Manager the engine drives.
type Conn interface {
	Peripheral() device.Peripheral
	Write(ctx context.Context, service, char string, data []byte) error
	WriteWithoutResponse(ctx context.Context, service, char string, data []byte) error
	Subscribe(ctx context.Context, service, char string, handler subscription.Handler) (subscription.Token, error)
	Unsubscribe(ctx context.Context, tok subscription.Token) error
	SuppressReconnect()
	OnEvent(fn func(connection.Event)) func()
}

// Phase names the object being transferred.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseFirmware Phase = "firmware"
)

// Transfer is emitted after every packet write.
type Transfer struct {
	Phase        Phase `json:"type"`
	TotalBytes   int   `json:"totalBytes"`
	CurrentBytes int   `json:"currentBytes"`
}

// Options configures the engine. Zero fields take the defaults.
type Options struct {
	PacketSize      int
	ReceiptStride   int
	NameDelay       time.Duration
	ResponseTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PacketSize <= 0 {
		o.PacketSize = DefaultPacketSize
	}
	if o.ReceiptStride <= 0 {
		o.ReceiptStride = DefaultReceiptStride
	}
	if o.NameDelay <= 0 {
		o.NameDelay = DefaultNameDelay
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	return o
}

// Engine runs DFU operations on one connection. An engine runs one Update at a time.
type Engine struct {
	conn     Conn
	logger   *logrus.Logger
	opts     Options
	progress *events.Bus[Transfer]

	// receipts is filled by the notification handler and drained by the sender.
	receipts      chan struct{}
	ignoreReceipt atomic.Bool
	packets       int
	transfer      Transfer
}

// New creates an engine on conn.
func New(conn Conn, opts Options, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		conn:     conn,
		logger:   logger,
		opts:     opts.withDefaults(),
		progress: events.NewBus[Transfer](),
		receipts: make(chan struct{}, 1),
	}
}

// OnProgress registers fn for progress updates and returns its unsubscribe function.
func (e *Engine) OnProgress(fn func(Transfer)) func() {
	return e.progress.Subscribe(fn)
}

// DfuName returns the name a peripheral advertises in bootloader mode.
func DfuName(address string) string {
	suffix := address
	if len(address) > 5 {
		suffix = address[len(address)-5:]
	}
	return "DFU-" + strings.Replace(suffix, ":", "-", 1)
}

// request writes payload to char and waits for the first notification on it.
func (e *Engine) request(ctx context.Context, char string, payload []byte) ([]byte, error) {
	responses := make(chan []byte, 1)
	tok, err := e.conn.Subscribe(ctx, Service, char, func(data []byte) {
		select {
		case responses <- data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if uerr := e.conn.Unsubscribe(context.Background(), tok); uerr != nil {
			e.logger.WithError(uerr).Debug("Failed to release response subscription")
		}
	}()

	e.logger.WithFields(logrus.Fields{
		"characteristic": device.ShortenUUID(char),
		"request":        fmt.Sprintf("% X", payload),
	}).Debug("DFU request")

	if err := e.conn.Write(ctx, Service, char, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(e.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case data := <-responses:
		e.logger.WithField("response", fmt.Sprintf("% X", data)).Debug("DFU response")
		return parseResponse(data)
	case <-timer.C:
		return nil, fmt.Errorf("%w: no response to opcode 0x%02X within %s", device.ErrTimeout, payload[0], e.opts.ResponseTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) control(ctx context.Context, payload []byte) ([]byte, error) {
	return e.request(ctx, ControlPoint, payload)
}

// onReceipt marks a receipt as observed unless an explicit checksum request is in flight.
func (e *Engine) onReceipt(data []byte) {
	if !isReceipt(data) || e.ignoreReceipt.Load() {
		return
	}
	select {
	case e.receipts <- struct{}{}:
	default:
	}
}

func (e *Engine) drainReceipts() {
	select {
	case <-e.receipts:
	default:
	}
}

// Update transfers the init packet and then the firmware image.
func (e *Engine) Update(ctx context.Context, init, firmware []byte) error {
	if len(init) == 0 {
		return errors.New("init packet not specified")
	}
	if len(firmware) == 0 {
		return errors.New("firmware not specified")
	}

	tok, err := e.conn.Subscribe(ctx, Service, ControlPoint, e.onReceipt)
	if err != nil {
		return fmt.Errorf("failed to track receipts: %w", err)
	}
	defer func() {
		if uerr := e.conn.Unsubscribe(context.Background(), tok); uerr != nil {
			e.logger.WithError(uerr).Debug("Failed to release receipt subscription")
		}
	}()

	if _, err := e.control(ctx, prnRequest(e.opts.ReceiptStride)); err != nil {
		return fmt.Errorf("failed to enable receipt notifications: %w", err)
	}

	start := time.Now()
	if err := e.transferImage(ctx, PhaseInit, init, objectCommand); err != nil {
		return fmt.Errorf("init transfer failed: %w", err)
	}
	if err := e.transferImage(ctx, PhaseFirmware, firmware, objectData); err != nil {
		return fmt.Errorf("firmware transfer failed: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"init_bytes":     len(init),
		"firmware_bytes": len(firmware),
		"elapsed":        time.Since(start).Round(time.Millisecond),
	}).Info("DFU transfer completed")
	return nil
}

func (e *Engine) transferImage(ctx context.Context, phase Phase, buf []byte, objectType byte) error {
	payload, err := e.control(ctx, []byte{opSelect, objectType})
	if err != nil {
		return err
	}
	sel, err := parseSelect(payload)
	if err != nil {
		return err
	}

	log := e.logger.WithFields(logrus.Fields{
		"phase":    string(phase),
		"size":     len(buf),
		"max_size": sel.maxSize,
		"offset":   sel.offset,
	})

	if phase == PhaseInit && int(sel.offset) == len(buf) && crcMatches(buf, sel.crc) {
		log.Info("Init packet already on target, skipping")
		return nil
	}
	if sel.maxSize == 0 {
		return fmt.Errorf("target reported zero maximum object size for %s", phase)
	}

	log.Info("Starting DFU object transfer")
	e.transfer = Transfer{Phase: phase, TotalBytes: len(buf)}
	return e.transferObjects(ctx, buf, objectType, int(sel.maxSize), int(sel.offset))
}

func (e *Engine) transferObjects(ctx context.Context, buf []byte, objectType byte, maxSize, offset int) error {
	if offset > len(buf) {
		offset = 0
	}

	for {
		start := offset - offset%maxSize
		if start >= len(buf) {
			// everything was received but the last object was never executed
			start = (len(buf) - 1) - (len(buf)-1)%maxSize
		}
		end := min(start+maxSize, len(buf))

		if _, err := e.control(ctx, createRequest(objectType, end-start)); err != nil {
			return err
		}
		e.drainReceipts()
		e.packets = 0

		if err := e.transferData(ctx, buf[start:end], start); err != nil {
			return err
		}

		e.ignoreReceipt.Store(true)
		payload, err := e.control(ctx, []byte{opCalculateChecksum})
		e.ignoreReceipt.Store(false)
		if err != nil {
			return err
		}
		sum, err := parseChecksum(payload)
		if err != nil {
			return err
		}

		transferred := min(int(sum.offset), len(buf))
		if crcMatches(buf[:transferred], sum.crc) {
			if _, err := e.control(ctx, []byte{opExecute}); err != nil {
				return err
			}
			offset = transferred
		} else {
			// The object is not executed and the transfer moves on.
			e.logger.WithFields(logrus.Fields{
				"start":       start,
				"end":         end,
				"transferred": sum.offset,
			}).Warn("Checksum mismatch, object not executed")
			offset = end
		}

		if end >= len(buf) {
			return nil
		}
	}
}

// transferData streams data in packets, pausing for a receipt every ReceiptStride packets.
func (e *Engine) transferData(ctx context.Context, data []byte, base int) error {
	for pos := 0; pos < len(data); {
		end := min(pos+e.opts.PacketSize, len(data))
		if err := e.conn.WriteWithoutResponse(ctx, Service, Packet, data[pos:end]); err != nil {
			return fmt.Errorf("packet write at %d failed: %w", base+pos, err)
		}
		e.packets++
		pos = end

		e.transfer.CurrentBytes = base + end
		e.progress.Emit(e.transfer)

		if pos < len(data) && e.packets >= e.opts.ReceiptStride {
			if err := e.awaitReceipt(ctx); err != nil {
				return err
			}
			e.packets = 0
		}
	}
	return nil
}

func (e *Engine) awaitReceipt(ctx context.Context) error {
	timer := time.NewTimer(e.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case <-e.receipts:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no receipt notification within %s", device.ErrTimeout, e.opts.ResponseTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
