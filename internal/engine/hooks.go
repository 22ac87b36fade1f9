package engine

import "go.uber.org/zap"

const hookQueueLen = 64

// hookRunner runs status script invocations one at a time off the loop.
type hookRunner struct {
	runner ScriptRunner
	log    *zap.SugaredLogger
	queue  chan []string
}

func newHookRunner(r ScriptRunner, log *zap.SugaredLogger) *hookRunner {
	return &hookRunner{runner: r, log: log, queue: make(chan []string, hookQueueLen)}
}

func (h *hookRunner) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case args := <-h.queue:
			if err := h.runner.RunScript(args...); err != nil {
				h.log.Warnw("status script failed", "event", args[0], "error", err)
			}
		}
	}
}

func (h *hookRunner) fire(args ...string) {
	select {
	case h.queue <- args:
	default:
		h.log.Warnw("status script queue full, event dropped", "event", args[0])
	}
}

func (e *Engine) fire(event, arg string) {
	if e.hooks != nil {
		e.hooks.fire(event, arg)
	}
}
