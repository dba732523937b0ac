/**
 * @description
 * Queue handler for run execution commands. The API layer enqueues a
 * RunExecuteMessage and this handler drives the run through the
 * orchestrator, deciding per outcome whether the message is done or should
 * be redelivered.
 *
 * Acking on business rejections (locked, missing, terminal, inconsistent)
 * keeps poison messages out of the queue; only transient infrastructure
 * failures requeue.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgepay/payroll-service/internal/domain"
	"github.com/forgepay/payroll-service/internal/store"
	"github.com/forgepay/payroll-service/pkg/rabbitmq"
)

// runExecuteTimeout bounds one consumer-driven orchestration pass. Runs that
// outlive it stay executing and are finished by reconciliation.
const runExecuteTimeout = 30 * time.Minute

// RunExecuteConsumer processes run execution commands from the queue.
type RunExecuteConsumer struct {
	service *Service
	logger  *slog.Logger
}

func NewRunExecuteConsumer(service *Service, logger *slog.Logger) *RunExecuteConsumer {
	return &RunExecuteConsumer{service: service, logger: logger}
}

// HandleMessage executes the run named in the message. The returned bool is
// the ack decision: true acknowledges, false requeues.
func (c *RunExecuteConsumer) HandleMessage(body []byte) bool {
	var msg rabbitmq.RunExecuteMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Error("discarding malformed run execute message", "error", err)
		return true
	}
	if msg.RunID == uuid.Nil {
		c.logger.Error("discarding run execute message without a run id")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), runExecuteTimeout)
	defer cancel()

	logger := c.logger.With("run_id", msg.RunID, "requested_by", msg.RequestedBy)
	logger.Info("run execute message received")

	result, err := c.service.ExecuteRunNow(ctx, msg.RunID)
	if err == nil {
		logger.Info("run execution pass finished",
			"status", result.Status,
			"confirmed", result.Confirmed,
			"failed", result.Failed,
			"skipped", result.Skipped)
		return true
	}

	switch {
	case errors.Is(err, ErrRunLocked):
		// Another instance is on it; the message did its job.
		logger.Info("run already executing elsewhere")
		return true
	case errors.Is(err, store.ErrRunNotFound):
		logger.Warn("run execute message references unknown run")
		return true
	}

	var inputErr *domain.InputError
	if errors.As(err, &inputErr) {
		logger.Warn("run not executable", "code", inputErr.Code, "message", inputErr.Message)
		return true
	}
	var consistencyErr *domain.ConsistencyError
	if errors.As(err, &consistencyErr) {
		// The run is marked failed; redelivery cannot repair it.
		logger.Error("run failed consistency verification", "message", consistencyErr.Message)
		return true
	}

	logger.Error("run execution failed; requeueing", "error", err)
	return false
}
