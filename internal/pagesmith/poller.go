package pagesmith

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type DeploymentState string

const (
	DeploymentQueued     DeploymentState = "queued"
	DeploymentInProgress DeploymentState = "in_progress"
	DeploymentSuccess    DeploymentState = "success"
	DeploymentFailure    DeploymentState = "failure"
	DeploymentUnknown    DeploymentState = "unknown"
)

type DeploymentCheck struct {
	Revision    string
	Environment string
	Status      DeploymentState
	CreatedAt   time.Time
}

type DeploymentResult string

const (
	DeploySucceeded DeploymentResult = "success"
	DeployFailed    DeploymentResult = "failure"
	DeployTimedOut  DeploymentResult = "timed_out"
)

type DeploymentStatusProvider interface {
	ListDeploymentChecks(ctx context.Context, repo, revision string) ([]DeploymentCheck, error)
}

type sleepFunc func(ctx context.Context, delay time.Duration) error

type DeploymentPollerOptions struct {
	Provider     DeploymentStatusProvider
	Environment  string
	PollInterval time.Duration
	MaxAttempts  int
	Logger       *logrus.Logger

	sleep sleepFunc
}

// DeploymentPoller waits for a specific revision to reach a terminal
// deployment state in a fixed environment. The interval is constant and the
// attempt count fixed, so the total wait budget is bounded.
type DeploymentPoller struct {
	provider     DeploymentStatusProvider
	environment  string
	pollInterval time.Duration
	maxAttempts  int
	logger       *logrus.Logger
	sleep        sleepFunc
}

func NewDeploymentPoller(opts DeploymentPollerOptions) *DeploymentPoller {
	environment := opts.Environment
	if environment == "" {
		environment = "github-pages"
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 36
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	sleep := opts.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &DeploymentPoller{
		provider:     opts.Provider,
		environment:  environment,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		logger:       logger,
		sleep:        sleep,
	}
}

// Wait polls until the revision reaches success or failure in the expected
// environment, or the attempt budget runs out. Checks for other revisions or
// environments are ignored regardless of their status. Provider errors count
// as an attempt with no match.
func (p *DeploymentPoller) Wait(ctx context.Context, repo, revision string) DeploymentResult {
	log := p.logger.WithFields(logrus.Fields{
		"repo":        repo,
		"revision":    revision,
		"environment": p.environment,
	})
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		checks, err := p.provider.ListDeploymentChecks(ctx, repo, revision)
		if err != nil {
			log.WithField("attempt", attempt).WithError(err).Warn("deployment check query failed")
		} else if match, ok := p.latestMatch(checks, revision); ok {
			switch match.Status {
			case DeploymentSuccess:
				log.WithField("attempt", attempt).Info("deployment succeeded")
				return DeploySucceeded
			case DeploymentFailure:
				log.WithField("attempt", attempt).Warn("deployment failed")
				return DeployFailed
			default:
				log.WithFields(logrus.Fields{
					"attempt": attempt,
					"status":  match.Status,
				}).Debug("deployment not terminal yet")
			}
		}
		if attempt == p.maxAttempts {
			break
		}
		if err := p.sleep(ctx, p.pollInterval); err != nil {
			break
		}
	}
	log.Warn("deployment wait budget exhausted")
	return DeployTimedOut
}

func (p *DeploymentPoller) latestMatch(checks []DeploymentCheck, revision string) (DeploymentCheck, bool) {
	var latest DeploymentCheck
	found := false
	for _, check := range checks {
		if check.Revision != revision || check.Environment != p.environment {
			continue
		}
		if !found || check.CreatedAt.After(latest.CreatedAt) {
			latest = check
			found = true
		}
	}
	return latest, found
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
