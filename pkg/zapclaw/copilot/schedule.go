// Package copilot – schedule.go toggles the global pause on cron
// expressions, e.g. off-hours handled by humans.
package copilot

import (
	"fmt"
	"log/slog"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/pause"
)

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// PauseSchedule drives pause.Controller.SetGlobal from cron entries.
type PauseSchedule struct {
	cron     *cron.Cron
	ctrl     *pause.Controller
	loc      *time.Location
	pauseAt  cron.Schedule
	resumeAt cron.Schedule
	logger   *slog.Logger
}

// NewPauseSchedule validates cfg. Either expression may be empty.
func NewPauseSchedule(cfg ScheduleConfig, ctrl *pause.Controller, logger *slog.Logger) (*PauseSchedule, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule: invalid timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	s := &PauseSchedule{
		ctrl:   ctrl,
		loc:    loc,
		logger: logger.With("component", "schedule"),
	}
	var err error
	if cfg.PauseAt != "" {
		if s.pauseAt, err = scheduleParser.Parse(cfg.PauseAt); err != nil {
			return nil, fmt.Errorf("schedule: invalid pause_at %q: %w", cfg.PauseAt, err)
		}
	}
	if cfg.ResumeAt != "" {
		if s.resumeAt, err = scheduleParser.Parse(cfg.ResumeAt); err != nil {
			return nil, fmt.Errorf("schedule: invalid resume_at %q: %w", cfg.ResumeAt, err)
		}
	}
	return s, nil
}

// Start schedules the entries and starts the cron runner.
func (s *PauseSchedule) Start() {
	s.cron = cron.New(cron.WithLocation(s.loc), cron.WithParser(scheduleParser))
	if s.pauseAt != nil {
		s.cron.Schedule(s.pauseAt, cron.FuncJob(s.pauseJob))
	}
	if s.resumeAt != nil {
		s.cron.Schedule(s.resumeAt, cron.FuncJob(s.resumeJob))
	}
	s.cron.Start()

	now := time.Now().In(s.loc)
	s.logger.Info("pause schedule started",
		"timezone", s.loc.String(),
		"next_pause", s.next(s.pauseAt, now),
		"next_resume", s.next(s.resumeAt, now),
	)
}

// Stop halts the runner and waits for a running job.
func (s *PauseSchedule) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("pause schedule stopped")
}

// NextPause returns the next scheduled pause after t, or zero.
func (s *PauseSchedule) NextPause(t time.Time) time.Time { return s.next(s.pauseAt, t) }

// NextResume returns the next scheduled resume after t, or zero.
func (s *PauseSchedule) NextResume(t time.Time) time.Time { return s.next(s.resumeAt, t) }

func (s *PauseSchedule) next(sched cron.Schedule, t time.Time) time.Time {
	if sched == nil {
		return time.Time{}
	}
	return sched.Next(t.In(s.loc))
}

func (s *PauseSchedule) pauseJob() {
	if s.ctrl.SetGlobal(true) {
		s.logger.Info("scheduled global pause")
	}
}

func (s *PauseSchedule) resumeJob() {
	if s.ctrl.SetGlobal(false) {
		s.logger.Info("scheduled global resume")
	}
}
