package background

import (
	"context"
	"log"
	"sync"
	"time"

	"arbion/internal/repositories"
	"arbion/internal/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// JobScheduler manages background jobs for distributed environment
type JobScheduler struct {
	scheduler     gocron.Scheduler
	credentialSvc services.CredentialService
	credRepo      repositories.APICredentialRepository
	jobs          map[string]gocron.Job
	mu            sync.RWMutex
}

// NewJobScheduler creates a new job scheduler
func NewJobScheduler(credentialSvc services.CredentialService, credRepo repositories.APICredentialRepository) *JobScheduler {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	js := &JobScheduler{
		scheduler:     scheduler,
		credentialSvc: credentialSvc,
		credRepo:      credRepo,
		jobs:          make(map[string]gocron.Job),
	}

	js.registerJobs()

	return js
}

// Start starts the job scheduler
func (js *JobScheduler) Start() error {
	log.Printf("Starting background job scheduler")
	js.scheduler.Start()
	return nil
}

// Stop stops the job scheduler
func (js *JobScheduler) Stop() error {
	log.Printf("Stopping background job scheduler")
	return js.scheduler.Shutdown()
}

// registerJobs registers all background jobs
func (js *JobScheduler) registerJobs() {
	// Credential validation job - every 30 minutes. Refreshes tokens that
	// are about to expire so interactive requests rarely pay refresh latency.
	validationJob, err := js.scheduler.NewJob(
		gocron.DurationJob(30*time.Minute),
		gocron.NewTask(js.validateCredentials, context.Background()),
		gocron.WithName("credential-validation"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		log.Printf("Failed to create credential validation job: %v", err)
	} else {
		js.jobs["credential-validation"] = validationJob
	}

	log.Printf("Registered %d background jobs", len(js.jobs))
}

// validateCredentials walks every active OAuth credential, refreshing tokens
// close to expiry and probing the provider API. Credentials already in
// reauth_required are skipped; only the user can fix those.
func (js *JobScheduler) validateCredentials(ctx context.Context) error {
	log.Printf("Starting credential validation sweep")

	creds, err := js.credRepo.ListActiveOAuth(ctx)
	if err != nil {
		log.Printf("Failed to list credentials for validation: %v", err)
		return err
	}

	// Limit concurrent provider calls so a large user base does not
	// stampede the provider token endpoints
	semaphore := make(chan struct{}, 5)
	var wg sync.WaitGroup

	validated := 0
	for _, cred := range creds {
		if cred.NeedsReauth() {
			continue
		}
		validated++

		wg.Add(1)
		go func(userID uuid.UUID, provider string) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if err := js.credentialSvc.TestConnection(ctx, userID, provider); err != nil {
				log.Printf("WARN: Credential validation failed for user %s, provider %s: %v", userID, provider, err)
			}
		}(cred.UserID, cred.Provider)
	}

	wg.Wait()
	log.Printf("Completed credential validation sweep for %d credentials", validated)
	return nil
}

// AddJob adds a custom job to the scheduler
func (js *JobScheduler) AddJob(name string, interval time.Duration, taskFn interface{}, params ...interface{}) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	job, err := js.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(taskFn, params...),
		gocron.WithName(name),
	)
	if err != nil {
		return err
	}

	js.jobs[name] = job
	log.Printf("Added custom job: %s", name)
	return nil
}

// RemoveJob removes a job from the scheduler
func (js *JobScheduler) RemoveJob(name string) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	if job, exists := js.jobs[name]; exists {
		err := js.scheduler.RemoveJob(job.ID())
		delete(js.jobs, name)
		return err
	}

	return nil
}

// GetJobStatus returns information about scheduled jobs
func (js *JobScheduler) GetJobStatus() map[string]interface{} {
	js.mu.RLock()
	defer js.mu.RUnlock()

	status := make(map[string]interface{})
	status["total_jobs"] = len(js.jobs)
	jobs := make([]string, 0, len(js.jobs))

	for name := range js.jobs {
		jobs = append(jobs, name)
	}

	status["jobs"] = jobs

	return status
}
