package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/fleetlink/internal/ledger"
	"github.com/ChuLiYu/fleetlink/internal/outbound"
	"github.com/ChuLiYu/fleetlink/internal/pool"
	"github.com/ChuLiYu/fleetlink/internal/worker"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// handleFrame routes one frame read from deviceID.
func (c *Controller) handleFrame(deviceID string, data []byte) {
	msg, err := types.DecodeMessage(data)
	if err != nil {
		c.logger.Warn("dropping invalid frame", "device_id", deviceID, "error", err)
		return
	}
	// The connection is authoritative for the device id.
	msg.DeviceID = deviceID

	switch msg.Command {
	case types.CommandPing:
		pong := types.Message{
			Command:   types.CommandPong,
			DeviceID:  deviceID,
			TraceID:   msg.TraceID,
			Timestamp: msg.Timestamp,
		}
		if err := c.pool.Send(c.ctx, deviceID, pong); err != nil {
			c.logger.Debug("pong reply failed", "device_id", deviceID, "error", err)
		}
	case types.CommandPong, types.CommandReceipt, types.CommandBind, types.CommandUnbind:
		c.logger.Debug("protocol frame consumed", "device_id", deviceID, "command", msg.Command)
	default:
		c.acceptTask(msg)
	}
}

// acceptTask records a business command, acknowledges it and queues it for
// the device's worker.
func (c *Controller) acceptTask(msg types.Message) {
	accountID, _ := c.factory.AccountID(msg.DeviceID)
	if _, err := c.ledger.SaveTask(msg, accountID); err != nil {
		c.logger.Warn("ledger save failed", "trace_id", msg.TraceID, "error", err)
	}
	c.sendReceipt(msg, types.ExecReceived, "received", nil)

	if err := c.inbound.Enqueue(msg); err != nil {
		c.logger.Warn("inbound enqueue failed", "trace_id", msg.TraceID, "device_id", msg.DeviceID, "error", err)
		c.finishTask(msg.TraceID)
		return
	}
	c.logger.Info("task accepted",
		"trace_id", msg.TraceID,
		"device_id", msg.DeviceID,
		"command", msg.Command)
}

// DispatchTask hands msg to the executor pool. It is called by the inbound
// queue once the device's worker is IDLE.
func (c *Controller) DispatchTask(ctx context.Context, deviceID string, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.states.Dispatch(deviceID, types.StateWorking, msg.TraceID) {
		return fmt.Errorf("%w: %s is %s", ErrStateConflict, deviceID, c.states.CurrentState(deviceID))
	}
	if err := c.ledger.UpdateStatus(msg.TraceID, types.TaskProcessing); err != nil && !errors.Is(err, ledger.ErrTaskNotFound) {
		c.logger.Warn("ledger status update failed", "trace_id", msg.TraceID, "error", err)
	}

	c.mu.Lock()
	c.inflight[msg.TraceID] = msg
	c.mu.Unlock()

	err := c.workers.Submit(worker.Task{
		ID:       msg.TraceID,
		DeviceID: deviceID,
		Command:  msg.Command,
		Message:  msg,
		Timeout:  ledger.TimeoutFor(msg.Command),
	})
	if err != nil {
		c.mu.Lock()
		delete(c.inflight, msg.TraceID)
		c.mu.Unlock()
		c.states.Dispatch(deviceID, types.StateIdle, nil)
		return fmt.Errorf("submit task %s: %w", msg.TraceID, err)
	}
	return nil
}

// resultLoop turns executor results into receipts.
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for result := range c.workers.Results() {
		c.handleResult(result)
	}
}

func (c *Controller) handleResult(result worker.Result) {
	c.mu.Lock()
	msg, ok := c.inflight[result.TaskID]
	delete(c.inflight, result.TaskID)
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("result for unknown task", "trace_id", result.TaskID)
		return
	}
	if c.ctx.Err() != nil {
		// Shutting down: the record stays for restart recovery.
		c.logger.Info("result during shutdown left in ledger", "trace_id", msg.TraceID)
		return
	}

	switch {
	case result.Success:
		c.sendReceipt(msg, types.ExecSucceeded, "succeeded", result.Data)
	case result.TimedOut:
		c.sendReceipt(msg, types.ExecTimedOut, "execution timed out", nil)
	default:
		c.sendReceipt(msg, types.ExecFailed, errorText(result.Error), nil)
	}
	c.finishTask(msg.TraceID)

	c.logger.Info("task finished",
		"trace_id", msg.TraceID,
		"device_id", result.DeviceID,
		"success", result.Success,
		"timed_out", result.TimedOut,
		"duration", result.Duration)

	if !result.Success {
		c.states.Dispatch(result.DeviceID, types.StateWorkingException, result.Error)
	}
	c.states.Dispatch(result.DeviceID, types.StateIdle, nil)
}

// ReportFailure sends a failure receipt for msg. The inbound queue and the
// ledger's restart recovery report through here.
func (c *Controller) ReportFailure(deviceID string, msg types.Message, reason string) {
	if msg.DeviceID == "" {
		msg.DeviceID = deviceID
	}
	c.sendReceipt(msg, types.ExecFailed, reason, nil)
	c.finishTask(msg.TraceID)
}

func (c *Controller) sendReceipt(origin types.Message, status types.ExecStatus, text string, data any) {
	receipt, err := types.NewReceipt(origin, c.cfg.AppType, status, text, data)
	if err != nil {
		c.logger.Error("build receipt", "trace_id", origin.TraceID, "error", err)
		return
	}
	if err := c.outbound.Enqueue(origin.DeviceID, receipt, outbound.PriorityHigh); err != nil {
		c.logger.Warn("receipt enqueue failed",
			"trace_id", origin.TraceID,
			"exec_status", status,
			"error", err)
	}
}

func (c *Controller) finishTask(traceID string) {
	if err := c.ledger.DeleteTask(traceID); err != nil {
		c.logger.Warn("ledger delete failed", "trace_id", traceID, "error", err)
	}
}

func (c *Controller) onPoolEvent(e pool.Event) {
	switch e.Type {
	case pool.EventConnected, pool.EventReconnected:
		if c.states.CurrentState(e.DeviceID) == types.StateInit {
			c.states.Dispatch(e.DeviceID, types.StateIdle, nil)
		}
		c.inbound.Wake(e.DeviceID)
	case pool.EventRemoved:
		dropped := c.inbound.RemoveDevice(e.DeviceID)
		dropped += c.outbound.RemoveDevice(e.DeviceID)
		c.states.Remove(e.DeviceID)
		if dropped > 0 {
			c.logger.Info("queued messages dropped with device", "device_id", e.DeviceID, "count", dropped)
		}
	}
}

func (c *Controller) chainFailed(next func(outbound.Item, error)) func(outbound.Item, error) {
	return func(it outbound.Item, err error) {
		c.logger.Warn("outbound message abandoned",
			"device_id", it.DeviceID,
			"command", it.Message.Command,
			"trace_id", it.Message.TraceID,
			"retries", it.RetryCount,
			"error", err)
		if next != nil {
			next(it, err)
		}
	}
}

func errorText(err error) string {
	if err == nil {
		return "execution failed"
	}
	return err.Error()
}
