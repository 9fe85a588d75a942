package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coursewatch/internal/cache"
	"coursewatch/internal/config"
	"coursewatch/internal/logging"
	"coursewatch/internal/model"
	"coursewatch/internal/moodleapi"

	"github.com/go-co-op/gocron/v2"
)

// Config holds the cadences, batch sizes, and deadline window that size the
// four tracked tiers.
type Config struct {
	CourseCadence             time.Duration
	AssignmentCadence         time.Duration
	ActiveSubmissionCadence   time.Duration
	DeadlineSubmissionCadence time.Duration

	AssignmentBatchSize         int
	ActiveSubmissionBatchSize   int
	DeadlineSubmissionBatchSize int

	DeltaBefore time.Duration
	DeltaAfter  time.Duration

	WakeupInterval time.Duration
}

// courseSentinel is the single queried object for the courses tier, which
// has exactly one thing to fetch ("the courses I'm in") rather than a set
// of ids.
type courseSentinel struct{}

// lmsSource is the subset of moodleapi.Client the scheduler needs. Tests
// supply a fake.
type lmsSource interface {
	FetchEnrolledCourses(ctx context.Context, inProgressOnly bool) (moodleapi.EnrolledCourses, error)
	FetchAssignments(ctx context.Context, courseIDs []model.CourseID) ([]model.Assignment, error)
	FetchSubmissions(ctx context.Context, assignmentID model.AssignmentID, submittedAfter *time.Time) ([]model.Submission, []model.SubmittedFile, error)
}

// configSource supplies the live configuration snapshot reloaded at the top
// of every tick. Satisfied by *config.Watcher; nil disables hot reload
// entirely, which every test relies on to keep its cadences fixed.
type configSource interface {
	Snapshot() *config.Config
}

// Scheduler drives four independent IntervalSchedulers — courses,
// assignments, active submissions, and deadline submissions — against the
// remote LMS and the cache repository. Grounded on original_source's
// moodle_monitoring/_scheduler.py, with the wakeup loop itself driven by a
// gocron.Scheduler — a single DurationJob, with forced-wakeup support via
// RunNow, in place of the original's asyncio.Event loop.
type Scheduler struct {
	lms     lmsSource
	cache   *cache.Store
	log     *slog.Logger
	cfg     Config
	configs configSource

	courses     *IntervalScheduler[courseSentinel]
	assignments *IntervalScheduler[model.CourseID]
	active      *IntervalScheduler[model.AssignmentID]
	deadline    *IntervalScheduler[model.AssignmentID]

	gocron gocron.Scheduler
	tick   gocron.Job
}

// New builds a Scheduler. Every IntervalScheduler starts empty; the first
// tick seeds each tier. configs may be nil, which disables config hot
// reload: the cadences/batch sizes/delta window baked into cfg are then
// fixed for the Scheduler's lifetime.
func New(lms lmsSource, cacheStore *cache.Store, logger *slog.Logger, cfg Config, configs configSource) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// LimitModeReschedule bounds concurrency to one in-flight tick: if a
	// wakeup fires (or Wake is called) while a previous tick is still
	// running, it is deferred rather than overlapping.
	gs, err := gocron.NewScheduler(gocron.WithLimitConcurrentJobs(1, gocron.LimitModeReschedule))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	s := &Scheduler{
		lms:         lms,
		cache:       cacheStore,
		log:         logger,
		cfg:         cfg,
		configs:     configs,
		courses:     NewIntervalScheduler[courseSentinel](cfg.CourseCadence, 1),
		assignments: NewIntervalScheduler[model.CourseID](cfg.AssignmentCadence, cfg.AssignmentBatchSize),
		active:      NewIntervalScheduler[model.AssignmentID](cfg.ActiveSubmissionCadence, cfg.ActiveSubmissionBatchSize),
		deadline:    NewIntervalScheduler[model.AssignmentID](cfg.DeadlineSubmissionCadence, cfg.DeadlineSubmissionBatchSize),
		gocron:      gs,
	}

	job, err := gs.NewJob(
		gocron.DurationJob(cfg.WakeupInterval),
		gocron.NewTask(func() { s.tickOnce(context.Background()) }),
		gocron.WithName("monitoring-wakeup"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return nil, fmt.Errorf("register wakeup job: %w", err)
	}
	s.tick = job
	return s, nil
}

// Wake requests an immediate tick, without waiting out the rest of the
// current wakeup interval.
func (s *Scheduler) Wake() {
	if err := s.tick.RunNow(); err != nil {
		s.log.Warn("failed to trigger immediate wakeup", "error", err)
	}
}

// Run starts the wakeup loop and blocks until ctx is canceled, then shuts
// the underlying cron scheduler down.
func (s *Scheduler) Run(ctx context.Context) error {
	s.gocron.Start()
	<-ctx.Done()
	if err := s.gocron.Shutdown(); err != nil {
		return fmt.Errorf("shut down scheduler: %w", err)
	}
	return ctx.Err()
}

// applyConfig reloads cadences, batch sizes, and the deadline window from
// the latest config snapshot. WakeupInterval is deliberately excluded: the
// gocron DurationJob was registered once in New, and re-registering it
// mid-run isn't supported by the current job handle. WorkerCount and
// PluginSettings are scheduler-independent (they size the digest worker
// pool) and so never apply here either.
func (s *Scheduler) applyConfig(cfg *config.Config) {
	courseCadence, assignmentCadence, activeCadence, deadlineCadence, deltaBefore, deltaAfter := cfg.Scheduler.Durations()
	s.cfg.CourseCadence = courseCadence
	s.cfg.AssignmentCadence = assignmentCadence
	s.cfg.ActiveSubmissionCadence = activeCadence
	s.cfg.DeadlineSubmissionCadence = deadlineCadence
	s.cfg.AssignmentBatchSize = cfg.Scheduler.AssignmentBatchSize
	s.cfg.ActiveSubmissionBatchSize = cfg.Scheduler.ActiveSubmissionBatchSize
	s.cfg.DeadlineSubmissionBatchSize = cfg.Scheduler.DeadlineSubmissionBatchSize
	s.cfg.DeltaBefore = deltaBefore
	s.cfg.DeltaAfter = deltaAfter

	s.courses.SetCadence(courseCadence, 1)
	s.assignments.SetCadence(assignmentCadence, s.cfg.AssignmentBatchSize)
	s.active.SetCadence(activeCadence, s.cfg.ActiveSubmissionBatchSize)
	s.deadline.SetCadence(deadlineCadence, s.cfg.DeadlineSubmissionBatchSize)
}

// tickOnce runs one pass over all four tiers: courses, assignments, then
// the two submission tiers. The config snapshot is reloaded first, so a
// config edit takes effect no later than the next wakeup.
func (s *Scheduler) tickOnce(ctx context.Context) {
	if s.configs != nil {
		s.applyConfig(s.configs.Snapshot())
	}
	now := time.Now()
	s.checkCourses(ctx, now)
	s.checkAssignments(ctx, now)
	s.checkDeadlineSubmissions(ctx, now)
	s.checkActiveSubmissions(ctx, now)
}

func (s *Scheduler) checkCourses(ctx context.Context, now time.Time) {
	if s.courses.IsEmpty() {
		s.courses.SetQueriedObjects([]courseSentinel{{}}, now, 0)
	}
	if triggered := s.courses.PopTriggered(now); len(triggered) > 0 {
		enrolled, err := s.lms.FetchEnrolledCourses(ctx, false)
		if err != nil {
			s.log.Error("failed to refresh courses", "error", err)
			return
		}
		if err := s.cache.StoreCourses(ctx, enrolled.Courses, enrolled.Participants, enrolled.Groups, enrolled.Users, enrolled.Roles, now); err != nil {
			s.log.Error("failed to store courses", "error", err)
			return
		}
		s.log.Debug("courses refreshed", "count", len(enrolled.Courses))
	}
}

func (s *Scheduler) checkAssignments(ctx context.Context, now time.Time) {
	if s.assignments.IsEmpty() {
		courseIDs, err := s.cache.GetOpenCourseIDs(ctx, now, false)
		if err != nil {
			s.log.Error("failed to get open course ids", "error", err)
		} else {
			s.assignments.SetQueriedObjects(courseIDs, now, 0)
		}
	}
	courseIDs := s.assignments.PopTriggered(now)
	if len(courseIDs) == 0 {
		return
	}
	assignments, err := s.lms.FetchAssignments(ctx, courseIDs)
	if err != nil {
		s.log.Error("failed to refresh assignments", "error", err)
		return
	}
	if err := s.cache.StoreAssignments(ctx, assignments); err != nil {
		s.log.Error("failed to store assignments", "error", err)
		return
	}
	s.log.Info("assignments refreshed", "courses", len(courseIDs), "assignments", len(assignments))
}

func (s *Scheduler) checkDeadlineSubmissions(ctx context.Context, now time.Time) {
	if s.deadline.IsEmpty() {
		ids, err := s.cache.GetActiveAssignmentIDsEndingSoon(ctx, now, s.cfg.DeltaBefore, s.cfg.DeltaAfter)
		if err != nil {
			s.log.Error("failed to get deadline assignment ids", "error", err)
		} else {
			s.deadline.SetQueriedObjects(ids, now, 0)
		}
	}
	if ids := s.deadline.PopTriggered(now); len(ids) > 0 {
		s.updateSubmissionsFor(ctx, ids)
	}
}

func (s *Scheduler) checkActiveSubmissions(ctx context.Context, now time.Time) {
	if s.active.IsEmpty() {
		ids, err := s.cache.GetActiveAssignmentIDsNotEndingSoon(ctx, now, s.cfg.DeltaBefore, s.cfg.DeltaAfter)
		if err != nil {
			s.log.Error("failed to get active assignment ids", "error", err)
		} else {
			s.active.SetQueriedObjects(ids, now, 1)
		}
	}
	if ids := s.active.PopTriggered(now); len(ids) > 0 {
		s.updateSubmissionsFor(ctx, ids)
	}
}

func (s *Scheduler) updateSubmissionsFor(ctx context.Context, assignmentIDs []model.AssignmentID) {
	lastSubmitted, err := s.cache.GetLastSubmissionTimes(ctx, assignmentIDs)
	if err != nil {
		s.log.Error("failed to get last submission times", "error", err)
		return
	}
	for _, id := range assignmentIDs {
		var after *time.Time
		if ts := lastSubmitted[id]; ts != nil {
			next := ts.Add(time.Second)
			after = &next
		}
		submissions, files, err := s.lms.FetchSubmissions(ctx, id, after)
		if err != nil {
			s.log.Error("failed to fetch submissions", logging.KeyAssignmentID, id, "error", err)
			continue
		}
		if err := s.cache.StoreSubmissions(ctx, submissions, files); err != nil {
			s.log.Error("failed to store submissions", logging.KeyAssignmentID, id, "error", err)
			continue
		}
		s.log.Debug("submissions refreshed", logging.KeyAssignmentID, id, "count", len(submissions))
	}
}
