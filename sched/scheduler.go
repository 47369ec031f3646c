// Package sched implements the wall-clock task engine of spec.md §4.9: a
// list of minute-aligned Tasks kept in insertion order, driving pause/unpause, rate limits,
// server activation, feed fetches, and external script invocation, made
// robust to large system-clock jumps.
//
// Grounded on original_source/daemon/main/Scheduler.cpp for the clock-jump
// detection threshold (90 minutes) and the missed-task rescan window
// (seven days); the tick-loop shape (an unsorted in-memory slice, no
// scheduling library, per DESIGN.md) follows every teacher-adjacent repo's
// hand-rolled periodic housekeeping loop.
package sched

import (
	"fmt"
	"time"

	"github.com/nzbget/nzbget-sub003/cmn/nlog"
)

// Command is the tagged set of effects a Task can apply (spec.md §4.9).
type Command int

const (
	CmdPauseDownload Command = iota
	CmdUnpauseDownload
	CmdPausePostProcess
	CmdUnpausePostProcess
	CmdPauseScan
	CmdUnpauseScan
	CmdSetDownloadRate
	CmdExecuteScript
	CmdExecuteProcess
	CmdActivateServer
	CmdDeactivateServer
	CmdFetchFeed
)

// Task fires its Command once per appointed minute, on every weekday set
// in WeekDays (bit i = weekday i, Sunday==0), or every day if WeekDays==0.
type Task struct {
	ID       string
	Hour     int
	Minute   int
	WeekDays uint8 // bitset, bit 0 = Sunday .. bit 6 = Saturday; 0 = every day
	Command  Command
	Param    string

	// lastFiredDay is the day (as days-since-epoch) this task last fired,
	// preventing a double-fire within the same appointed minute.
	lastFiredDay int64
	isStartup    bool // startup tasks are not cleared by a clock-jump rescan
}

// clockJumpThreshold and rescanWindow mirror Scheduler.cpp's constants.
const (
	clockJumpThreshold = 90 * time.Minute
	rescanWindow       = 7 * 24 * time.Hour
)

// WorkState is the subset of shared toggles (spec.md Glossary:
// "work-state") a Task's effect mutates. Implemented by the host (the
// downloader/PPP/server-pool owner); sched never mutates state directly.
type WorkState interface {
	PauseDownload(bool)
	PausePostProcess(bool)
	PauseScan(bool)
	SetDownloadRate(int64)
	ExecuteScript(path, taskID string)
	ExecuteProcess(path, taskID string)
	ActivateServer(id int, active bool)
	FetchFeed(param string)
}

// Scheduler drives Tasks against a WorkState once per tick.
type Scheduler struct {
	tasks []*Task
	state WorkState

	lastCheck time.Time
	now       func() time.Time
}

// New constructs a Scheduler bound to state, anchored at the current time.
func New(state WorkState) *Scheduler {
	return &Scheduler{state: state, lastCheck: time.Now(), now: time.Now}
}

// AddTask appends a Task to the schedule.
func (s *Scheduler) AddTask(t *Task) { s.tasks = append(s.tasks, t) }

// Tick evaluates every Task against the interval (lastCheck, now], applying
// a clock-jump rescan first if the gap is abnormal. Call roughly once a
// minute, aligned to the 59->00 second boundary (spec.md §4.9).
func (s *Scheduler) Tick() {
	now := s.now()
	delta := now.Sub(s.lastCheck)

	if delta < 0 || delta > clockJumpThreshold {
		nlog.Warningf("sched: clock jump of %v detected, rescanning", delta)
		s.clearNonStartup()
		s.lastCheck = now.Add(-rescanWindow)
		if s.lastCheck.After(now) {
			s.lastCheck = now
		}
	}

	s.fireBetween(s.lastCheck, now)
	s.lastCheck = now
}

func (s *Scheduler) clearNonStartup() {
	for _, t := range s.tasks {
		if !t.isStartup {
			t.lastFiredDay = 0
		}
	}
}

// fireBetween walks every whole minute in (from, to] and fires any Task
// whose (hour, minute, weekday) triple matches. A Task fires at most once
// per call, so a clock-jump rescan spanning several days fires each missed
// recurring task once.
func (s *Scheduler) fireBetween(from, to time.Time) {
	if !to.After(from) {
		return
	}
	fired := make(map[*Task]bool)
	cursor := from.Truncate(time.Minute).Add(time.Minute)
	for !cursor.After(to) {
		s.fireAt(cursor, fired)
		cursor = cursor.Add(time.Minute)
	}
}

func (s *Scheduler) fireAt(t time.Time, fired map[*Task]bool) {
	day := t.Unix() / 86400
	weekday := uint8(1) << uint(t.Weekday())
	for _, task := range s.tasks {
		if task.Hour != t.Hour() || task.Minute != t.Minute() {
			continue
		}
		if task.WeekDays != 0 && task.WeekDays&weekday == 0 {
			continue
		}
		if task.lastFiredDay == day || fired[task] {
			continue
		}
		task.lastFiredDay = day
		fired[task] = true
		s.apply(task)
	}
}

func (s *Scheduler) apply(t *Task) {
	switch t.Command {
	case CmdPauseDownload:
		s.state.PauseDownload(true)
	case CmdUnpauseDownload:
		s.state.PauseDownload(false)
	case CmdPausePostProcess:
		s.state.PausePostProcess(true)
	case CmdUnpausePostProcess:
		s.state.PausePostProcess(false)
	case CmdPauseScan:
		s.state.PauseScan(true)
	case CmdUnpauseScan:
		s.state.PauseScan(false)
	case CmdSetDownloadRate:
		var rate int64
		_, _ = fmt.Sscan(t.Param, &rate)
		s.state.SetDownloadRate(rate)
	case CmdExecuteScript:
		s.state.ExecuteScript(t.Param, t.ID)
	case CmdExecuteProcess:
		s.state.ExecuteProcess(t.Param, t.ID)
	case CmdActivateServer:
		activateServer(s.state, t.Param, true)
	case CmdDeactivateServer:
		activateServer(s.state, t.Param, false)
	case CmdFetchFeed:
		s.state.FetchFeed(t.Param)
	}
	nlog.Infof("sched: fired task %s (cmd=%d)", t.ID, t.Command)
}

func activateServer(state WorkState, param string, active bool) {
	var id int
	if _, err := fmt.Sscan(param, &id); err != nil {
		return
	}
	state.ActivateServer(id, active)
}
