package dfu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wandkit/internal/connection"
	"github.com/srg/wandkit/internal/groutine"
)

// SetDfuMode switches the peripheral into its bootloader through the buttonless
// characteristic and resolves once the link drops. It returns the name the
// bootloader will advertise.
func (e *Engine) SetDfuMode(ctx context.Context) (string, error) {
	address := e.conn.Peripheral().Address()
	name := DfuName(address)
	log := e.logger.WithFields(logrus.Fields{"address": address, "dfu_name": name})

	disconnected := make(chan struct{})
	var once sync.Once
	unsubscribe := e.conn.OnEvent(func(ev connection.Event) {
		if ev.Type == connection.EventDisconnect {
			once.Do(func() { close(disconnected) })
		}
	})
	defer unsubscribe()

	if _, err := e.request(ctx, Buttonless, dfuNameRequest(name)); err != nil {
		return "", fmt.Errorf("failed to set DFU name: %w", err)
	}

	select {
	case <-time.After(e.opts.NameDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	// the reset is intentional
	e.conn.SuppressReconnect()

	enterCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	entered := make(chan error, 1)
	groutine.Go(enterCtx, "dfu-enter-bootloader", func(ctx context.Context) {
		_, err := e.request(ctx, Buttonless, []byte{opEnterBootloader})
		entered <- err
	})

	log.Info("Entering bootloader")
	for {
		select {
		case <-disconnected:
			log.Info("Peripheral reset into bootloader")
			return name, nil
		case err := <-entered:
			entered = nil
			if err == nil {
				continue
			}
			// a reset racing the response is still a success
			select {
			case <-disconnected:
				log.Info("Peripheral reset into bootloader")
				return name, nil
			case <-time.After(e.opts.NameDelay):
			}
			return "", fmt.Errorf("failed to enter bootloader: %w", err)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
