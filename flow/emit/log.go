package emit

import "github.com/rs/zerolog"

// LogEmitter writes events as structured zerolog lines. Error-class
// events log at error level, everything else at debug.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter wraps a zerolog logger.
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

func (l *LogEmitter) Emit(e Event) {
	var ev *zerolog.Event
	switch e.Type {
	case RunError, NodeError:
		ev = l.log.Error()
	case NodeRetry, BreakerOpen, DeadLettered:
		ev = l.log.Warn()
	default:
		ev = l.log.Debug()
	}
	ev = ev.Str("event", e.Type).
		Str("run_id", e.RunID).
		Time("at", e.At)
	if e.WorkflowID != "" {
		ev = ev.Str("workflow_id", e.WorkflowID)
	}
	if e.Node != "" {
		ev = ev.Str("node", e.Node)
	}
	if e.Attempt > 0 {
		ev = ev.Int("attempt", e.Attempt)
	}
	if e.Wave > 0 {
		ev = ev.Int("wave", e.Wave)
	}
	if e.Err != "" {
		ev = ev.Str("err", e.Err)
	}
	for k, v := range e.Meta {
		ev = ev.Interface(k, v)
	}
	ev.Msg(e.Type)
}
