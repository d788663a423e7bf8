package poller

import (
	"context"

	"github.com/google/uuid"

	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/types"
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdReset
	cmdSetParam
	cmdRetune
)

func (k commandKind) String() string {
	switch k {
	case cmdStart:
		return "start"
	case cmdStop:
		return "stop"
	case cmdReset:
		return "reset"
	case cmdSetParam:
		return "set_param"
	case cmdRetune:
		return "retune"
	default:
		return "unknown"
	}
}

// command is a single operator request. The reply channel has capacity one
// so the loop never blocks delivering the result.
type command struct {
	kind         commandKind
	name         string
	value        types.ParamValue
	refreshEvery int
	healthEvery  int
	reply        chan error
}

// StartAcquisition asks the device to begin a measurement. It fails with
// BUSY unless the machine is Idle.
func (p *Poller) StartAcquisition(ctx context.Context) error {
	return p.submit(ctx, command{kind: cmdStart, reply: make(chan error, 1)})
}

// StopAcquisition aborts the measurement in progress. Stopping an idle
// device is harmless.
func (p *Poller) StopAcquisition(ctx context.Context) error {
	return p.submit(ctx, command{kind: cmdStop, reply: make(chan error, 1)})
}

// Reset clears a latched fault on the device and locally: it is the only
// way out of the Error state.
func (p *Poller) Reset(ctx context.Context) error {
	return p.submit(ctx, command{kind: cmdReset, reply: make(chan error, 1)})
}

// SetParameter writes one device parameter through the mirror. The reply
// carries the commit result; acquisition state is never affected.
func (p *Poller) SetParameter(ctx context.Context, name string, value types.ParamValue) error {
	return p.submit(ctx, command{kind: cmdSetParam, name: name, value: value, reply: make(chan error, 1)})
}

// Retune adjusts the slow cadences without restarting the loop. Values at
// or below zero keep the current setting.
func (p *Poller) Retune(ctx context.Context, paramRefreshEvery, healthReadEvery int) error {
	return p.submit(ctx, command{
		kind:         cmdRetune,
		refreshEvery: paramRefreshEvery,
		healthEvery:  healthReadEvery,
		reply:        make(chan error, 1),
	})
}

// submit queues a command and waits for the loop to apply it.
func (p *Poller) submit(ctx context.Context, cmd command) error {
	select {
	case p.commands <- cmd:
	case <-p.done:
		return p.rejectedErr(cmd.kind)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-p.done:
		return p.rejectedErr(cmd.kind)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) rejectedErr(kind commandKind) error {
	return errors.NewError(errors.ErrCodeShutdownInProgress, "poller is shut down").
		WithComponent("poller").
		WithOperation(kind.String())
}

// drain applies any queued commands without blocking. Called at the top of
// each tick so commands never wait longer than one interval.
func (p *Poller) drain(ctx context.Context) {
	for {
		select {
		case cmd := <-p.commands:
			p.apply(ctx, cmd)
		default:
			return
		}
	}
}

// rejectPending fails everything still queued after the loop has exited.
func (p *Poller) rejectPending() {
	for {
		select {
		case cmd := <-p.commands:
			cmd.reply <- p.rejectedErr(cmd.kind)
		default:
			return
		}
	}
}

// apply executes one command and delivers its result.
func (p *Poller) apply(ctx context.Context, cmd command) {
	p.commandsApplied++

	var err error
	switch cmd.kind {
	case cmdStart:
		err = p.doStart(ctx)
	case cmdStop:
		err = p.doStop(ctx)
	case cmdReset:
		err = p.doReset(ctx)
	case cmdSetParam:
		err = p.doSetParam(ctx, cmd.name, cmd.value)
	case cmdRetune:
		err = p.doRetune(cmd.refreshEvery, cmd.healthEvery)
	}

	if p.debug.HasSessions() {
		msg := "command applied"
		if err != nil {
			msg = "command failed"
		}
		fields := map[string]interface{}{"command": cmd.kind.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		p.debug.RecordEvent("poller", "command", msg, fields)
	}

	cmd.reply <- err
}

// commandFault reports whether a failed device command should latch the
// Error state. Rejections the device answers cleanly (busy, unknown
// parameter) and canceled requests go back to the caller only.
func (p *Poller) commandFault(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeBusy, errors.ErrCodeParamNotFound, errors.ErrCodeOperationCanceled:
		return false
	}
	return true
}

func (p *Poller) doStart(ctx context.Context) error {
	if p.state != types.StateIdle {
		return errors.NewError(errors.ErrCodeBusy, "acquisition already in progress").
			WithComponent("poller").
			WithOperation("start").
			WithDetail("state", p.state.String())
	}

	if err := p.withRetry(ctx, p.device.StartMeasurement); err != nil {
		if p.commandFault(ctx, err) {
			p.enterError(err)
		}
		return err
	}

	p.runID = uuid.New().String()
	p.haveFrame = false
	p.setLocal("driver.run_id", types.StringValue(p.runID))
	p.logger.Info("Measurement started", map[string]interface{}{
		"run_id": p.runID,
	})
	p.setState(types.StateArming)
	return nil
}

func (p *Poller) doStop(ctx context.Context) error {
	if err := p.withRetry(ctx, p.device.StopMeasurement); err != nil {
		if p.commandFault(ctx, err) {
			p.enterError(err)
		}
		return err
	}

	p.logger.Info("Measurement stopped", nil)
	// Stop does not clear a latched fault; only Reset does.
	if p.state != types.StateError {
		p.setState(types.StateIdle)
		p.endRun()
	}
	return nil
}

func (p *Poller) doReset(ctx context.Context) error {
	if err := p.withRetry(ctx, p.device.ResetMeasurement); err != nil {
		if p.commandFault(ctx, err) {
			p.enterError(err)
		}
		return err
	}

	p.lastErr = nil
	p.haveFrame = false
	p.logger.Info("Measurement reset", nil)
	p.setState(types.StateIdle)
	p.endRun()
	return nil
}

// endRun retires the run label once no measurement is in flight. Sinks see
// the empty id as the close of the run they were attributing frames to.
func (p *Poller) endRun() {
	if p.runID == "" {
		return
	}
	p.logger.Info("Run closed", map[string]interface{}{
		"run_id": p.runID,
	})
	p.runID = ""
	p.setLocal("driver.run_id", types.StringValue(""))
}

// doRetune runs on the loop goroutine, which owns the config, so the new
// cadences take effect on the next tick without any locking.
func (p *Poller) doRetune(refreshEvery, healthEvery int) error {
	if refreshEvery > 0 {
		p.config.ParamRefreshEvery = refreshEvery
	}
	if healthEvery > 0 {
		p.config.HealthReadEvery = healthEvery
	}
	p.logger.Info("Cadence adjusted", map[string]interface{}{
		"param_refresh_every": p.config.ParamRefreshEvery,
		"health_read_every":   p.config.HealthReadEvery,
	})
	return nil
}

func (p *Poller) doSetParam(ctx context.Context, name string, value types.ParamValue) error {
	err := p.withRetry(ctx, func(ctx context.Context) error {
		return p.mirror.Commit(ctx, name, value)
	})
	p.metrics.RecordParamSync("commit", err)
	if err != nil {
		// Write failures are reported to the caller only; acquisition keeps
		// running on the old value.
		return err
	}

	p.paramsStale = true
	p.publishUpdate(name, value)
	return nil
}
