package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Service schedules jobs that launch sessions at their configured times
type Service struct {
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	options ServiceOptions
	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a new scheduler service
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.StorePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.StartSession == nil {
		return nil, fmt.Errorf("start session callback is required")
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		jobs:    make(map[string]*Job),
		timers:  make(map[string]*time.Timer),
		options: opts,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.loadJobs(); err != nil {
		log.Warn().Err(err).Msg("Failed to load jobs, starting with empty registry")
	}

	if opts.Enabled {
		s.scheduleAll()
	} else {
		log.Info().Msg("Scheduler disabled, jobs will not fire")
	}

	log.Info().Int("jobCount", len(s.jobs)).Msg("Scheduler service initialized")

	return s, nil
}

// AddJob creates a new scheduled job
func (s *Service) AddJob(params AddParams) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("service is stopped")
	}

	if params.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if params.Session.Prompt == "" {
		return nil, fmt.Errorf("job prompt is required")
	}

	nextRunAtMs, err := CalculateNextRun(params.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	now := Now()
	job := &Job{
		ID:             uuid.New().String(),
		Name:           params.Name,
		Description:    params.Description,
		Enabled:        params.Enabled,
		DeleteAfterRun: params.DeleteAfterRun,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
		Schedule:       params.Schedule,
		Session:        params.Session,
		State: JobState{
			NextRunAtMs: Int64Ptr(nextRunAtMs),
		},
	}

	s.jobs[job.ID] = job

	if err := s.persist(); err != nil {
		delete(s.jobs, job.ID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if job.Enabled && s.options.Enabled {
		s.scheduleJobLocked(job)
	}

	log.Info().
		Str("jobId", job.ID).
		Str("name", job.Name).
		Bool("enabled", job.Enabled).
		Msg("Job created")

	s.options.OnEvent(Event{
		Action: EventActionAdded,
		JobID:  job.ID,
	})

	return job, nil
}

// UpdateJob updates an existing job
func (s *Service) UpdateJob(id string, patch JobPatch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("service is stopped")
	}

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", id)
	}

	scheduleChanged := false
	enabledChanged := false
	oldEnabled := job.Enabled

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Description != nil {
		job.Description = *patch.Description
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
		enabledChanged = oldEnabled != job.Enabled
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.Schedule != nil {
		job.Schedule = *patch.Schedule
		scheduleChanged = true
	}
	if patch.Session != nil {
		job.Session = *patch.Session
	}

	job.UpdatedAtMs = Now()

	if scheduleChanged {
		nextRunAtMs, err := CalculateNextRun(job.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule: %w", err)
		}
		job.State.NextRunAtMs = Int64Ptr(nextRunAtMs)
	}

	if err := s.persist(); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if scheduleChanged || enabledChanged {
		s.cancelJobLocked(id)
		if job.Enabled && s.options.Enabled {
			s.scheduleJobLocked(job)
		}
	}

	log.Info().
		Str("jobId", id).
		Str("name", job.Name).
		Bool("scheduleChanged", scheduleChanged).
		Bool("enabledChanged", enabledChanged).
		Msg("Job updated")

	s.options.OnEvent(Event{
		Action: EventActionUpdated,
		JobID:  id,
	})

	return job, nil
}

// RemoveJob deletes a job
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("service is stopped")
	}

	job, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	s.cancelJobLocked(id)
	delete(s.jobs, id)

	if err := s.persist(); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}

	log.Info().
		Str("jobId", id).
		Str("name", job.Name).
		Msg("Job removed")

	s.options.OnEvent(Event{
		Action: EventActionDeleted,
		JobID:  id,
	})

	return nil
}

// RunJob manually triggers a job
func (s *Service) RunJob(id string, mode RunMode) error {
	s.mu.RLock()
	job, exists := s.jobs[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	if mode == RunModeDue && !job.Enabled {
		log.Debug().Str("jobId", id).Msg("Skipping disabled job in 'due' mode")
		return nil
	}

	go s.executeJob(job)

	return nil
}

// ListJobs returns all jobs, optionally filtered by enabled state
func (s *Service) ListJobs(enabled *bool) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))

	for _, job := range s.jobs {
		if enabled != nil && job.Enabled != *enabled {
			continue
		}
		jobs = append(jobs, job)
	}

	// Sort by creation time
	for i := 0; i < len(jobs)-1; i++ {
		for j := i + 1; j < len(jobs); j++ {
			if jobs[j].CreatedAtMs < jobs[i].CreatedAtMs {
				jobs[i], jobs[j] = jobs[j], jobs[i]
			}
		}
	}

	return jobs
}

// GetJob returns a specific job
func (s *Service) GetJob(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.jobs[id]
}

// Stop gracefully shuts down the service
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	s.stopped = true
	s.cancel()

	for id := range s.timers {
		s.cancelJobLocked(id)
	}

	if err := s.persist(); err != nil {
		log.Error().Err(err).Msg("Failed to persist state on shutdown")
		return err
	}

	log.Info().Msg("Scheduler service stopped")

	return nil
}

func (s *Service) scheduleAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.Enabled {
			s.scheduleJobLocked(job)
		}
	}
}

// scheduleJobLocked schedules a job (must hold lock)
func (s *Service) scheduleJobLocked(job *Job) {
	if job.State.NextRunAtMs == nil {
		log.Warn().Str("jobId", job.ID).Msg("Cannot schedule job without next run time")
		return
	}

	nextRunAtMs := *job.State.NextRunAtMs
	delay := nextRunAtMs - Now()
	if delay <= 0 {
		delay = 0
	}

	timer := time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		s.executeJob(job)
	})

	s.timers[job.ID] = timer

	log.Debug().
		Str("jobId", job.ID).
		Int64("delayMs", delay).
		Time("nextRun", time.UnixMilli(nextRunAtMs)).
		Msg("Job scheduled")
}

// cancelJobLocked cancels a job's timer (must hold lock)
func (s *Service) cancelJobLocked(id string) {
	if timer, exists := s.timers[id]; exists {
		timer.Stop()
		delete(s.timers, id)
	}
}

// executeJob fires a job by launching its session. Start failures mark
// the job as errored but never take the scheduler down.
func (s *Service) executeJob(job *Job) {
	s.mu.Lock()

	currentJob, exists := s.jobs[job.ID]
	if !exists {
		s.mu.Unlock()
		log.Debug().Str("jobId", job.ID).Msg("Job no longer exists, skipping run")
		return
	}

	// A run still in flight wins over a new trigger.
	if currentJob.State.RunningAtMs != nil {
		s.mu.Unlock()
		log.Debug().Str("jobId", job.ID).Msg("Job already running, skipping run")
		return
	}

	startMs := Now()
	currentJob.State.RunningAtMs = Int64Ptr(startMs)
	spec := currentJob.Session
	s.mu.Unlock()

	log.Info().Str("jobId", job.ID).Str("name", job.Name).Msg("Firing job")

	sessionID, err := s.options.StartSession(&Job{
		ID:       currentJob.ID,
		Name:     currentJob.Name,
		Session:  spec,
		Schedule: currentJob.Schedule,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	endMs := Now()
	durationMs := endMs - startMs

	currentJob.State.RunningAtMs = nil
	currentJob.State.LastRunAtMs = Int64Ptr(startMs)
	currentJob.State.LastDurationMs = Int64Ptr(durationMs)

	if err != nil {
		currentJob.State.LastStatus = "error"
		currentJob.State.LastError = err.Error()
		currentJob.State.ConsecutiveErrors++

		log.Error().
			Str("jobId", job.ID).
			Err(err).
			Int("consecutiveErrors", currentJob.State.ConsecutiveErrors).
			Msg("Job session start failed")
	} else {
		currentJob.State.LastStatus = "ok"
		currentJob.State.LastError = ""
		currentJob.State.ConsecutiveErrors = 0

		log.Info().
			Str("jobId", job.ID).
			Str("sessionId", sessionID).
			Msg("Job session started")
	}

	// One-shot schedules never recur.
	var calcErr error
	if currentJob.Schedule.Kind == ScheduleKindAt {
		currentJob.State.NextRunAtMs = nil
		currentJob.Enabled = false
	} else {
		var nextRunAtMs int64
		nextRunAtMs, calcErr = CalculateNextRun(currentJob.Schedule)
		if calcErr != nil {
			log.Error().Str("jobId", job.ID).Err(calcErr).Msg("Failed to calculate next run")
		} else {
			currentJob.State.NextRunAtMs = Int64Ptr(nextRunAtMs)
		}
	}

	if persistErr := s.persist(); persistErr != nil {
		log.Error().Err(persistErr).Msg("Failed to persist job state")
	}

	s.options.OnEvent(Event{
		Action:      EventActionFired,
		JobID:       job.ID,
		Status:      currentJob.State.LastStatus,
		Error:       currentJob.State.LastError,
		SessionID:   sessionID,
		DurationMs:  Int64Ptr(durationMs),
		NextRunAtMs: currentJob.State.NextRunAtMs,
	})

	if currentJob.DeleteAfterRun && err == nil {
		log.Info().Str("jobId", job.ID).Msg("Deleting job after successful run")
		s.cancelJobLocked(job.ID)
		delete(s.jobs, job.ID)
		if persistErr := s.persist(); persistErr != nil {
			log.Error().Err(persistErr).Msg("Failed to persist after delete")
		}
		s.options.OnEvent(Event{
			Action: EventActionDeleted,
			JobID:  job.ID,
		})
		return
	}

	if currentJob.Enabled && calcErr == nil && currentJob.State.NextRunAtMs != nil {
		s.scheduleJobLocked(currentJob)
	}
}

func (s *Service) loadJobs() error {
	if _, err := os.Stat(s.options.StorePath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(s.options.StorePath)
	if err != nil {
		return fmt.Errorf("failed to read jobs file: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to parse jobs file: %w", err)
	}

	s.jobs = make(map[string]*Job)
	for _, job := range jobs {
		// A crash mid-run leaves a stale running marker behind.
		job.State.RunningAtMs = nil
		s.jobs[job.ID] = job
	}

	log.Info().Int("count", len(jobs)).Msg("Loaded jobs from registry")

	return nil
}

// persist writes the registry through a temp file so a crash mid-write
// never corrupts jobs.json.
func (s *Service) persist() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	dir := filepath.Dir(s.options.StorePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.options.StorePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.options.StorePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
