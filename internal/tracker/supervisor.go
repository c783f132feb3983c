package tracker

import (
	"context"
	"log"
)

// Supervisor owns the single map of active per-flow cancellation controllers
// and per-flow timeout bookkeeping. All mutation happens on one goroutine
// via command messages, never a shared mutex, per the REDESIGN FLAGS'
// requirement that the active-flow map have exactly one owner.
type Supervisor struct {
	cmds chan supervisorCmd
}

type supervisorCmd struct {
	kind         string
	flowID       string
	cancel       context.CancelFunc
	stage        string
	timeoutMs    int64
	reply        chan bool
	timeoutReply chan timeoutLookup
}

type flowTimeout struct {
	stage     string
	timeoutMs int64
}

type timeoutLookup struct {
	timeout flowTimeout
	ok      bool
}

// NewSupervisor starts the owning goroutine and returns a ready Supervisor.
func NewSupervisor() *Supervisor {
	s := &Supervisor{cmds: make(chan supervisorCmd, 128)}
	go s.run()
	return s
}

func (s *Supervisor) run() {
	active := make(map[string]context.CancelFunc)
	timeouts := make(map[string]flowTimeout)

	for cmd := range s.cmds {
		switch cmd.kind {
		case "start":
			if _, exists := active[cmd.flowID]; exists {
				log.Printf("⚠️ [tracker] supervisor: flow %s started twice, ignoring second start", cmd.flowID)
				continue
			}
			active[cmd.flowID] = cmd.cancel
		case "stop":
			if cancel, ok := active[cmd.flowID]; ok {
				cancel()
				delete(active, cmd.flowID)
			}
			delete(timeouts, cmd.flowID)
		case "finish":
			delete(active, cmd.flowID)
			delete(timeouts, cmd.flowID)
		case "isActive":
			_, ok := active[cmd.flowID]
			cmd.reply <- ok
		case "recordTimeout":
			timeouts[cmd.flowID] = flowTimeout{stage: cmd.stage, timeoutMs: cmd.timeoutMs}
		case "clearTimeout":
			delete(timeouts, cmd.flowID)
		case "getTimeout":
			t, ok := timeouts[cmd.flowID]
			cmd.timeoutReply <- timeoutLookup{timeout: t, ok: ok}
		}
	}
}

// Start registers flowID as active under cancel. Starting an already-active
// flow is a caller bug; the supervisor logs and ignores it rather than
// losing track of the existing controller.
func (s *Supervisor) Start(flowID string, cancel context.CancelFunc) {
	s.cmds <- supervisorCmd{kind: "start", flowID: flowID, cancel: cancel}
}

// Stop cancels flowID's run, if any. Stopping an unknown flow is a no-op.
func (s *Supervisor) Stop(flowID string) {
	s.cmds <- supervisorCmd{kind: "stop", flowID: flowID}
}

// Finish removes flowID's bookkeeping once its run has returned on its own.
func (s *Supervisor) Finish(flowID string) {
	s.cmds <- supervisorCmd{kind: "finish", flowID: flowID}
}

// IsActive reports whether flowID currently has a running controller.
func (s *Supervisor) IsActive(flowID string) bool {
	reply := make(chan bool, 1)
	s.cmds <- supervisorCmd{kind: "isActive", flowID: flowID, reply: reply}
	return <-reply
}

// RecordTimeout notes the current stage/timeout a flow is waiting on, read
// back by the job-status endpoint (GET /flow/:id/job).
func (s *Supervisor) RecordTimeout(flowID, stage string, timeoutMs int64) {
	s.cmds <- supervisorCmd{kind: "recordTimeout", flowID: flowID, stage: stage, timeoutMs: timeoutMs}
}

// ClearTimeout removes a flow's timeout bookkeeping once its stage resolves.
func (s *Supervisor) ClearTimeout(flowID string) {
	s.cmds <- supervisorCmd{kind: "clearTimeout", flowID: flowID}
}

// GetTimeout returns the stage and timeout duration flowID is currently
// waiting on, read back by the job-status endpoint (GET /flow/:id/job).
// ok is false if no timeout is currently recorded for flowID.
func (s *Supervisor) GetTimeout(flowID string) (stage string, timeoutMs int64, ok bool) {
	reply := make(chan timeoutLookup, 1)
	s.cmds <- supervisorCmd{kind: "getTimeout", flowID: flowID, timeoutReply: reply}
	lookup := <-reply
	return lookup.timeout.stage, lookup.timeout.timeoutMs, lookup.ok
}
