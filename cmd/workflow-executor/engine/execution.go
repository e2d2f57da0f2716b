package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/state"
	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// signal is a message posted into an execution's inbox.
type signal interface {
	kind() string
}

// completionSignal delivers a sub-task's terminal result: a real response, a
// protocol failure, or a synthetic timeout.
type completionSignal struct {
	subTaskID string
	nodeID    string
	result    *protocol.NodeResult
	reason    string
}

func (completionSignal) kind() string { return "completion" }

// loopResumeSignal fires when a loop's between-iteration delay elapses.
type loopResumeSignal struct {
	loopID string
}

func (loopResumeSignal) kind() string { return "loop_resume" }

// cancelSignal requests cooperative teardown.
type cancelSignal struct {
	reason string
}

func (cancelSignal) kind() string { return "cancel" }

// execution is one in-flight workflow run. All mutation happens on the run
// loop goroutine; other goroutines only post signals and read the locked
// State.
type execution struct {
	workflowTaskID string
	executionID    string

	logicalTaskID string
	sessionID     string
	userID        string
	clientID      string
	clientKey     string
	replyTo       string
	userConfig    string
	requestID     any

	inbound *bus.Message
	state   *state.State
	inbox   chan signal

	// run-loop private routing tables.
	subTaskNode  map[string]string
	nodeSubTask  map[string]string
	subTaskOwner map[string]string
	pendingJoins map[string]bool

	deadline *time.Timer

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	cancelled  atomic.Bool
	finalized  atomic.Bool
	finalizeMu sync.Mutex

	log Logger
}

type executionParams struct {
	workflowTaskID string
	executionID    string
	logicalTaskID  string
	sessionID      string
	userID         string
	clientID       string
	clientKey      string
	replyTo        string
	userConfig     string
	requestID      any
	inbound        *bus.Message
	state          *state.State
	deadline       time.Duration
	log            Logger
}

func newExecution(p executionParams) *execution {
	return &execution{
		workflowTaskID: p.workflowTaskID,
		executionID:    p.executionID,
		logicalTaskID:  p.logicalTaskID,
		sessionID:      p.sessionID,
		userID:         p.userID,
		clientID:       p.clientID,
		clientKey:      p.clientKey,
		replyTo:        p.replyTo,
		userConfig:     p.userConfig,
		requestID:      p.requestID,
		inbound:        p.inbound,
		state:          p.state,
		inbox:          make(chan signal, 512),
		subTaskNode:    make(map[string]string),
		nodeSubTask:    make(map[string]string),
		subTaskOwner:   make(map[string]string),
		pendingJoins:   make(map[string]bool),
		deadline:       time.NewTimer(p.deadline),
		timers:         make(map[string]*time.Timer),
		log:            p.log,
	}
}

// post enqueues a signal without blocking the caller. A full inbox means the
// execution is badly wedged; the signal is dropped and logged.
func (x *execution) post(sig signal) {
	select {
	case x.inbox <- sig:
	default:
		x.log.Error("execution inbox full, dropping signal",
			"workflow_task_id", x.workflowTaskID,
			"signal", sig.kind(),
		)
	}
}

// scheduleTimer arms a named timer, replacing any previous one.
func (x *execution) scheduleTimer(name string, d time.Duration, fn func()) {
	x.timerMu.Lock()
	defer x.timerMu.Unlock()
	if old, ok := x.timers[name]; ok {
		old.Stop()
	}
	x.timers[name] = time.AfterFunc(d, fn)
}

// stopTimer cancels a named timer if armed.
func (x *execution) stopTimer(name string) {
	x.timerMu.Lock()
	defer x.timerMu.Unlock()
	if t, ok := x.timers[name]; ok {
		t.Stop()
		delete(x.timers, name)
	}
}

// stopAllTimers cancels the deadline and every named timer.
func (x *execution) stopAllTimers() {
	x.deadline.Stop()
	x.timerMu.Lock()
	defer x.timerMu.Unlock()
	for name, t := range x.timers {
		t.Stop()
		delete(x.timers, name)
	}
}
