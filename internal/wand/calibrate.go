package wand

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/wandkit/internal/device"
)

// Calibration status values notified on the calibration characteristics.
const (
	calibrationDone   = 2
	calibrationFailed = 3
)

func (w *Wand) CalibrateGyroscope(ctx context.Context) error {
	return w.calibrate(ctx, CalibrateGyroscopeChar)
}

func (w *Wand) CalibrateMagnetometer(ctx context.Context) error {
	return w.calibrate(ctx, CalibrateMagnetometerChar)
}

// calibrate pauses the position stream, starts the calibration on char and waits
// for its final status. The position stream is restored afterwards.
func (w *Wand) calibrate(ctx context.Context, char string) (err error) {
	w.calibrateMu.Lock()
	defer w.calibrateMu.Unlock()

	log := w.logger.WithField("characteristic", device.ShortenUUID(char))

	wasSubscribed := w.IsSubscribed(EventPosition)
	if wasSubscribed {
		if err := w.UnsubscribePosition(ctx); err != nil {
			return err
		}
		defer func() {
			if rerr := w.SubscribePosition(ctx); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}

	status := make(chan error, 1)
	tok, err := w.conn.Subscribe(ctx, PositionService, char, func(data []byte) {
		if len(data) == 0 {
			return
		}
		var result error
		switch data[0] {
		case calibrationDone:
		case calibrationFailed:
			result = device.ErrCalibrationFailed
		default:
			return
		}
		select {
		case status <- result:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe calibration status: %w", err)
	}
	defer func() {
		if uerr := w.conn.Unsubscribe(context.Background(), tok); uerr != nil {
			log.WithError(uerr).Warn("Failed to release calibration subscription")
		}
	}()

	log.Info("Calibration started")
	if err := w.conn.Write(ctx, PositionService, char, []byte{1}); err != nil {
		return fmt.Errorf("failed to start calibration: %w", err)
	}

	select {
	case err := <-status:
		log.WithFields(logrus.Fields{"ok": err == nil}).Info("Calibration finished")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
