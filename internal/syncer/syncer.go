// Package syncer keeps the local ledger reconciled with the attendance terminal, periodically and
// on demand, and pushes local identities back to the terminal.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fragotesac/frazkteco-devices/internal/guard"
	"github.com/fragotesac/frazkteco-devices/internal/model"
	"github.com/fragotesac/frazkteco-devices/internal/reconcile"
	"github.com/fragotesac/frazkteco-devices/internal/terminal"
	"github.com/fragotesac/frazkteco-devices/internal/uid"
)

// ErrBusy is returned by on-demand runs while another run is active.
var ErrBusy = errors.New("sync already in progress")

// Run kinds.
const (
	KindFull   = "full"
	KindEvents = "events"
)

// Options tunes the schedule and the per-operation deadlines.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration

	UsersDeadline      time.Duration
	AttendanceDeadline time.Duration
	DownloadDeadline   time.Duration
	InfoDeadline       time.Duration
	PushDeadline       time.Duration
	BulkPushDeadline   time.Duration
}

// DefaultOptions returns the production schedule.
func DefaultOptions() Options {
	return Options{
		Interval:           5 * time.Minute,
		StartupDelay:       2 * time.Second,
		UsersDeadline:      20 * time.Second,
		AttendanceDeadline: 15 * time.Second,
		DownloadDeadline:   20 * time.Second,
		InfoDeadline:       12 * time.Second,
		PushDeadline:       10 * time.Second,
		BulkPushDeadline:   8 * time.Second,
	}
}

// Report describes one sync run.
type Report struct {
	RunID      string            `json:"run_id"`
	Kind       string            `json:"kind"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Users      *reconcile.Result `json:"users,omitempty"`
	Attendance *reconcile.Result `json:"attendance,omitempty"`
	// Degraded is set when the optional attendance phase of a full run failed.
	Degraded bool   `json:"degraded"`
	Error    string `json:"error,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

// Failed reports whether the run failed outright.
func (r Report) Failed() bool {
	return r.Error != ""
}

// Listener observes finished runs.
type Listener func(Report)

// People lists the people whose identities are pushed to the terminal.
type People interface {
	PeopleWithUID(ctx context.Context) ([]model.Person, error)
	SetPersonUID(ctx context.Context, personID int64, uid int) error
}

// Scheduler runs reconciliation against the terminal. At most one run is active at a time.
type Scheduler struct {
	terminal *terminal.Manager
	rec      *reconcile.Reconciler
	people   People
	uids     *uid.Allocator
	opts     Options
	logger   *slog.Logger

	running atomic.Bool
	// tick is the scheduled run; tests replace it.
	tick func(context.Context) (Report, error)

	mu        sync.Mutex
	listeners []Listener
	last      *Report
}

// New constructs a scheduler.
func New(term *terminal.Manager, rec *reconcile.Reconciler, people People, uids *uid.Allocator, opts Options, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		terminal: term,
		rec:      rec,
		people:   people,
		uids:     uids,
		opts:     opts,
		logger:   logger.With("component", "syncer"),
	}
	s.tick = s.Run
	return s
}

// Subscribe registers l to be called after every finished run.
func (s *Scheduler) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Running reports whether a run is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Last returns the most recent finished run, if any.
func (s *Scheduler) Last() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Start runs a full sync after the startup delay and then on every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	guard.Go(s.logger, "sync loop", func() {
		timer := time.NewTimer(s.opts.StartupDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.scheduled(ctx)

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scheduled(ctx)
			}
		}
	})
}

// scheduled runs one tick. A panic ends the tick, not the loop.
func (s *Scheduler) scheduled(ctx context.Context) {
	defer guard.Recover(s.logger, "scheduled sync", nil)

	if _, err := s.tick(ctx); errors.Is(err, ErrBusy) {
		s.logger.Debug("scheduled sync skipped, previous run still active")
	}
}

// Run executes a full sync: users first, then the optional attendance phase. A failure to fetch
// users aborts the run. A failure to fetch attendance leaves the user phase in place and marks the
// run degraded.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrBusy
	}
	defer s.running.Store(false)

	rep := s.begin(KindFull)
	logger := s.logger.With("run", rep.RunID)
	logger.Info("sync started")

	users, err := s.terminal.Users(ctx, s.opts.UsersDeadline)
	if err != nil {
		logger.Error("sync aborted, fetching users failed", "error", err, "transient", guard.IsTransient(err))
		return s.finish(rep, fmt.Errorf("fetch users: %w", err))
	}
	ures, err := s.rec.IngestUsers(ctx, users)
	if err != nil {
		logger.Error("sync aborted, ingesting users failed", "error", err)
		return s.finish(rep, err)
	}
	rep.Users = &ures
	logger.Info("users reconciled", "fetched", ures.Fetched, "inserted", ures.Inserted)

	logs, err := s.terminal.Attendances(ctx, s.opts.AttendanceDeadline)
	if err != nil {
		rep.Degraded = true
		rep.Warning = fmt.Sprintf("attendance phase skipped: %v", err)
		if errors.Is(err, terminal.ErrUnsupported) {
			logger.Info("attendance download not supported by terminal, use the manual download", "error", err)
		} else {
			logger.Warn("attendance phase failed", "error", err, "transient", guard.IsTransient(err))
		}
		return s.finish(rep, nil)
	}
	ares, err := s.rec.IngestAttendance(ctx, logs)
	if err != nil {
		rep.Degraded = true
		rep.Warning = fmt.Sprintf("attendance phase failed: %v", err)
		logger.Error("ingesting attendance failed", "error", err)
		return s.finish(rep, nil)
	}
	rep.Attendance = &ares

	logger.Info("sync finished", "new_events", ares.Inserted, "fetched_events", ares.Fetched)
	return s.finish(rep, nil)
}

// DownloadEvents fetches and ingests the attendance log only.
func (s *Scheduler) DownloadEvents(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrBusy
	}
	defer s.running.Store(false)

	rep := s.begin(KindEvents)
	logger := s.logger.With("run", rep.RunID)

	logs, err := s.terminal.Attendances(ctx, s.opts.DownloadDeadline)
	if err != nil {
		logger.Warn("attendance download failed", "error", err)
		return s.finish(rep, fmt.Errorf("fetch attendances: %w", err))
	}
	ares, err := s.rec.IngestAttendance(ctx, logs)
	if err != nil {
		return s.finish(rep, err)
	}
	rep.Attendance = &ares

	logger.Info("attendance downloaded", "new_events", ares.Inserted, "fetched_events", ares.Fetched)
	return s.finish(rep, nil)
}

func (s *Scheduler) begin(kind string) Report {
	return Report{RunID: ulid.Make().String(), Kind: kind, StartedAt: time.Now()}
}

func (s *Scheduler) finish(rep Report, err error) (Report, error) {
	rep.FinishedAt = time.Now()
	if err != nil {
		rep.Error = err.Error()
	}

	s.mu.Lock()
	s.last = &rep
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(rep)
	}
	return rep, err
}

// DeviceUser builds the terminal record for a person. Only identity is pushed, never templates.
func DeviceUser(p model.Person) model.DeviceUser {
	userID := p.BadgeNumber
	if userID == "" {
		userID = p.NationalID
	}
	u := model.DeviceUser{UserID: userID, Name: p.Name}
	if p.UID != nil {
		u.UID = *p.UID
	}
	return u
}

// PushPerson writes one person's identity to the terminal, allocating a device identifier first
// if the person has none.
func (s *Scheduler) PushPerson(ctx context.Context, p model.Person) error {
	v, err := s.uids.Ensure(ctx, s.people, p)
	if err != nil {
		return err
	}
	p.UID = &v

	if err := s.terminal.SetUser(ctx, s.opts.PushDeadline, DeviceUser(p)); err != nil {
		return err
	}
	s.logger.Info("person pushed to terminal", "dni", p.NationalID, "uid", v)
	return nil
}

// PushResult counts a bulk push.
type PushResult struct {
	Total  int `json:"total"`
	Pushed int `json:"pushed"`
	Failed int `json:"failed"`
}

// PushAll writes every person holding a device identifier to the terminal, one session per person.
// Individual failures are counted, not returned. It shares the run guard with Run and
// DownloadEvents and fails with ErrBusy while either is active.
func (s *Scheduler) PushAll(ctx context.Context) (PushResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return PushResult{}, ErrBusy
	}
	defer s.running.Store(false)

	people, err := s.people.PeopleWithUID(ctx)
	if err != nil {
		return PushResult{}, err
	}

	res := PushResult{Total: len(people)}
	for _, p := range people {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.terminal.SetUser(ctx, s.opts.BulkPushDeadline, DeviceUser(p)); err != nil {
			res.Failed++
			s.logger.Warn("push person failed", "dni", p.NationalID, "uid", *p.UID, "error", err)
			continue
		}
		res.Pushed++
	}

	s.logger.Info("bulk push finished", "total", res.Total, "pushed", res.Pushed, "failed", res.Failed)
	return res, nil
}

// Info summarizes the terminal's contents. Each count is fetched in its own session and a failed
// fetch leaves its count at zero.
type Info struct {
	Address          string `json:"-"`
	Users            int    `json:"usuarios"`
	WithFingerprints int    `json:"huellas"`
	Attendances      int    `json:"marcaciones"`
	UsersError       string `json:"usuarios_error,omitempty"`
	AttendancesError string `json:"marcaciones_error,omitempty"`
}

// Info queries the terminal for its summary counts.
func (s *Scheduler) Info(ctx context.Context) Info {
	info := Info{Address: s.terminal.Endpoint().Address}

	users, err := s.terminal.Users(ctx, s.opts.UsersDeadline)
	if err != nil {
		info.UsersError = err.Error()
		s.logger.Warn("terminal info: fetching users failed", "error", err)
	} else {
		info.Users = len(users)
		for _, u := range users {
			if u.FingerprintCount > 0 {
				info.WithFingerprints++
			}
		}
	}

	logs, err := s.terminal.Attendances(ctx, s.opts.InfoDeadline)
	if err != nil {
		info.AttendancesError = err.Error()
		s.logger.Debug("terminal info: fetching attendances failed", "error", err)
	} else {
		info.Attendances = len(logs)
	}

	return info
}
