// Package worker runs scan requests consumed from Kafka through the same
// scanjob.Runner the HTTP API uses.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanjob"
	apperrors "github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/kafka"
)

// ScanIDHeader carries the scan id when the message body has none.
const ScanIDHeader = "scan_id"

type ScanRunner interface {
	Run(ctx context.Context, req scanjob.Request) (*scanjob.Result, error)
}

// ScanWorker wraps a Kafka consumer to drive scan requests.
type ScanWorker struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

func New(kafkaConsumer *kafka.Consumer) *ScanWorker {
	return &ScanWorker{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "scan-worker"),
	}
}

// Start begins consuming. It blocks until ctx is cancelled.
func (w *ScanWorker) Start(ctx context.Context) error {
	w.logger.Info("scan worker starting")
	return w.consumer.Start(ctx)
}

// HandleScanRequest returns a MessageHandler that decodes a scanjob.Request
// and runs it. Bad input and roots outside the allowed set are reported as
// poison and committed at once. Other failures are returned plainly so the
// consumer retries the request before giving up on it.
func HandleScanRequest(runner ScanRunner) kafka.MessageHandler {
	logger := slog.Default().With("component", "scan-worker")
	return func(ctx context.Context, key []byte, value []byte, headers map[string]string) error {
		req, err := kafka.DecodeJSON[scanjob.Request](value)
		if err != nil {
			logger.Error("failed to decode scan request",
				"error", err,
				"key", string(key),
			)
			return err
		}
		if req.ID == "" {
			req.ID = headers[ScanIDHeader]
		}

		result, err := runner.Run(ctx, req)
		if err != nil {
			if isPermanent(err) {
				return fmt.Errorf("%w: scan request %s: %v", kafka.ErrPoison, req.ID, err)
			}
			return fmt.Errorf("running scan request %s: %w", req.ID, err)
		}

		logger.Info("scan request processed",
			"scan_id", result.ScanID,
			"matches", len(result.Matches),
			"units", result.Stats.Units,
			"warnings", len(result.Warnings),
		)
		return nil
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidInput) || errors.Is(err, apperrors.ErrRootNotAllowed)
}
