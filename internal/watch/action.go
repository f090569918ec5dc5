package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-rooms/internal/agentexec"
	"github.com/basket/go-rooms/internal/bus"
	otelPkg "github.com/basket/go-rooms/internal/otel"
	"github.com/basket/go-rooms/internal/persistence"
	"github.com/basket/go-rooms/internal/shared"
)

const activityKind = "watch"

// executeAction runs the watch's action for one debounced change and records
// the outcome as room activity. A failed action is activity, never an error
// for the caller.
func (d *Debouncer) executeAction(ctx context.Context, w persistence.Watch, c Change) {
	ctx, span := otelPkg.StartSpan(ctx, d.tracer, "watch.execute",
		otelPkg.AttrWatchID.String(w.ID), otelPkg.AttrRoomID.String(w.RoomID))
	defer span.End()

	outcome := "completed"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			d.logger.Error("watch action panicked", "watch_id", w.ID, "panic", fmt.Sprint(r))
		}
		span.SetAttributes(otelPkg.AttrOutcome.String(outcome))
		d.metrics.WatchExecutions.Add(context.Background(), 1, metric.WithAttributes(otelPkg.AttrOutcome.String(outcome)))
	}()

	d.publish(bus.RoomChannel(w.RoomID), bus.WatchTriggered{WatchID: w.ID, RoomID: w.RoomID, Path: c.Path, Op: c.Op})

	// Bookkeeping uses its own context so a shutdown mid-action still records it.
	recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.RecordWatchTrigger(recCtx, w.ID, time.Now()); err != nil {
		d.logger.Warn("record watch trigger failed", "watch_id", w.ID, "error", err)
	}

	if strings.TrimSpace(w.Action) == "" {
		d.logActivity(recCtx, persistence.Activity{
			RoomID:  w.RoomID,
			Kind:    activityKind,
			Summary: fmt.Sprintf("%s changed", displayPath(w, c)),
		})
		return
	}

	summary, detail, isErr := d.runAgent(ctx, w, c)
	if isErr {
		outcome = "failed"
		span.SetStatus(codes.Error, detail)
	}
	d.logActivity(recCtx, persistence.Activity{
		RoomID:  w.RoomID,
		Kind:    activityKind,
		Summary: summary,
		Detail:  detail,
		IsError: isErr,
	})
}

func (d *Debouncer) runAgent(ctx context.Context, w persistence.Watch, c Change) (summary, detail string, isErr bool) {
	if d.executor == nil {
		return fmt.Sprintf("Watch action skipped for %s", displayPath(w, c)), "no executor configured", true
	}
	req := agentexec.AgentRequest{
		Prompt:  actionPrompt(w, c),
		Timeout: d.timeout,
	}
	if w.RoomID != "" {
		if queen, err := d.store.QueenOf(ctx, w.RoomID); err == nil {
			req.Model = queen.Model
			req.SystemPrompt = queen.SystemPrompt
		}
	}

	res, err := d.executor.ExecuteAgent(ctx, req)
	switch {
	case err != nil:
		d.logger.Warn("watch action could not start", "watch_id", w.ID, "error", err)
		return fmt.Sprintf("Watch action failed for %s", displayPath(w, c)), shared.Redact(err.Error()), true
	case !res.OK():
		d.logger.Warn("watch action failed", "watch_id", w.ID, "exit_code", res.ExitCode, "timed_out", res.TimedOut)
		return fmt.Sprintf("Watch action failed for %s", displayPath(w, c)), res.FailureMessage(), true
	default:
		d.logger.Info("watch action completed", "watch_id", w.ID, "path", c.Path)
		return fmt.Sprintf("Watch action ran for %s", displayPath(w, c)), shared.Truncate(res.Output, 500), false
	}
}

func (d *Debouncer) logActivity(ctx context.Context, a persistence.Activity) {
	if a.RoomID == "" {
		return
	}
	logged, err := d.store.LogRoomActivity(ctx, a)
	if err != nil {
		d.logger.Warn("log watch activity failed", "room_id", a.RoomID, "error", err)
		return
	}
	d.publish(bus.RoomChannel(a.RoomID), bus.RoomActivity{
		RoomID:  logged.RoomID,
		Kind:    logged.Kind,
		Summary: logged.Summary,
		IsError: logged.IsError,
	})
}

func (d *Debouncer) publish(channel string, p bus.Payload) {
	if d.bus != nil {
		d.bus.Publish(channel, p)
	}
}

func actionPrompt(w persistence.Watch, c Change) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A watched path changed.\nWatch: %s\nChanged: %s (%s)\n\n", w.Path, c.Path, c.Op)
	b.WriteString(w.Action)
	return b.String()
}

func displayPath(w persistence.Watch, c Change) string {
	if c.Path != "" {
		return c.Path
	}
	return w.Path
}
