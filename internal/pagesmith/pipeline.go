package pagesmith

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TaskRequest is the inbound automation request. Secret is checked at the
// HTTP boundary and never persisted.
type TaskRequest struct {
	Email         string       `json:"email"`
	Secret        string       `json:"secret"`
	Task          string       `json:"task"`
	Round         int          `json:"round"`
	Nonce         string       `json:"nonce"`
	Brief         string       `json:"brief"`
	Checks        []string     `json:"checks"`
	Attachments   []Attachment `json:"attachments"`
	EvaluationURL string       `json:"evaluation_url"`
}

func (r TaskRequest) Key() RequestKey {
	return RequestKey{
		Email: r.Email,
		Task:  r.Task,
		Round: r.Round,
		Nonce: r.Nonce,
	}
}

// Publisher is the repository-hosting surface the pipeline publishes
// through. *GitHubClient satisfies it.
type Publisher interface {
	EnsureRepo(ctx context.Context, name, description string) (Repo, error)
	CommitFile(ctx context.Context, repo, path string, content []byte, message string) error
	EnablePages(ctx context.Context, repo string) error
	LatestCommitSHA(ctx context.Context, repo string) (string, error)
	FileContent(ctx context.Context, repo, path string) (string, error)
	PagesURL(repo string) string
	Username() string
}

// Waiter abstracts the deployment poller for the pipeline.
type Waiter interface {
	Wait(ctx context.Context, repo, revision string) DeploymentResult
}

// Deliverer abstracts the notifier for the pipeline.
type Deliverer interface {
	Deliver(ctx context.Context, targetURL string, payload json.RawMessage) error
}

type SubmitState string

const (
	SubmitAccepted  SubmitState = "accepted"
	SubmitDuplicate SubmitState = "duplicate"
	SubmitInFlight  SubmitState = "in_flight"
)

type SubmitOutcome struct {
	State    SubmitState
	Previous ProcessedRecord
}

type PipelineOptions struct {
	Store          *Store
	Chain          *GeneratorChain
	Publisher      Publisher
	Poller         Waiter
	Notifier       Deliverer
	AttachmentsDir string
	Logger         *logrus.Logger
}

// Pipeline runs one request end to end: decode attachments, generate the
// artifact, publish it, wait for the deployment, notify the evaluator, and
// record the outcome. Exactly one run per request key is in flight at a
// time; completed keys replay the stored notification instead of rerunning.
type Pipeline struct {
	store          *Store
	chain          *GeneratorChain
	publisher      Publisher
	poller         Waiter
	notifier       Deliverer
	attachmentsDir string
	logger         *logrus.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	attachmentsDir := opts.AttachmentsDir
	if attachmentsDir == "" {
		attachmentsDir = filepath.Join(".pagesmith", "attachments")
	}
	return &Pipeline{
		store:          opts.Store,
		chain:          opts.Chain,
		publisher:      opts.Publisher,
		poller:         opts.Poller,
		notifier:       opts.Notifier,
		attachmentsDir: attachmentsDir,
		logger:         logger,
	}
}

// Submit either starts a background run for the request or reports why it
// will not run. Duplicates of a completed request trigger a background
// replay of the stored notification so a crashed evaluator can be caught
// up without regenerating anything.
func (p *Pipeline) Submit(req TaskRequest) SubmitOutcome {
	key := req.Key()
	id := key.String()

	if rec, ok := p.store.Lookup(key); ok {
		return p.replayDuplicate(req, rec)
	}

	p.mu.Lock()
	if p.inFlight == nil {
		p.inFlight = make(map[string]struct{})
	}
	if _, busy := p.inFlight[id]; busy {
		p.mu.Unlock()
		return SubmitOutcome{State: SubmitInFlight}
	}
	// The unlocked lookup races with a run that records its outcome just
	// before clearing its in-flight slot. Re-check under the lock so a
	// completed key can never start a second run.
	if rec, ok := p.store.Lookup(key); ok {
		p.mu.Unlock()
		return p.replayDuplicate(req, rec)
	}
	p.inFlight[id] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(req)
	return SubmitOutcome{State: SubmitAccepted}
}

// InFlight reports how many runs are currently executing.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Wait blocks until all background runs and replays have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) replayDuplicate(req TaskRequest, rec ProcessedRecord) SubmitOutcome {
	p.wg.Add(1)
	go p.replayNotification(req, rec)
	return SubmitOutcome{State: SubmitDuplicate, Previous: rec}
}

func (p *Pipeline) replayNotification(req TaskRequest, rec ProcessedRecord) {
	defer p.wg.Done()
	log := p.logger.WithFields(logrus.Fields{
		"requestKey": req.Key().String(),
		"status":     rec.Status,
	})
	if len(rec.NotifyPayload) == 0 {
		log.Warn("duplicate request has no stored notification payload")
		return
	}
	if err := p.notifier.Deliver(context.Background(), req.EvaluationURL, rec.NotifyPayload); err != nil {
		log.WithError(err).Warn("replay notification failed")
		return
	}
	log.Info("replayed stored notification for duplicate request")
}

type notificationPayload struct {
	Email     string `json:"email"`
	Task      string `json:"task"`
	Round     int    `json:"round"`
	Nonce     string `json:"nonce"`
	RepoURL   string `json:"repo_url"`
	CommitSHA string `json:"commit_sha"`
	PagesURL  string `json:"pages_url"`
}

func (p *Pipeline) run(req TaskRequest) {
	key := req.Key()
	id := key.String()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, id)
		p.mu.Unlock()
		p.wg.Done()
	}()

	ctx := context.Background()
	runID := uuid.NewString()
	log := p.logger.WithFields(logrus.Fields{
		"runId":      runID,
		"requestKey": id,
		"round":      req.Round,
	})
	log.Info("starting task run")

	repoName := sanitizeRepoName(req.Task)
	saved := DecodeAttachments(req.Attachments, filepath.Join(p.attachmentsDir, runID), p.logger)

	var prevReadme, prevHTML string
	if req.Round >= 2 {
		prevReadme, prevHTML = p.priorArtifact(ctx, repoName, log)
	}

	result := p.chain.Generate(ctx, GenerateInput{
		Brief:       req.Brief,
		Checks:      req.Checks,
		Attachments: saved,
		Round:       req.Round,
		PrevReadme:  prevReadme,
		PrevHTML:    prevHTML,
	})
	log.WithField("tier", result.Tier).Info("artifact ready")

	repoURL, commitSHA := p.publish(ctx, repoName, req, result, saved, log)

	if commitSHA == "" {
		log.Warn("no revision to wait on, skipping deployment wait")
	} else {
		deploy := p.poller.Wait(ctx, repoName, commitSHA)
		log.WithField("deployment", deploy).Info("deployment wait finished")
	}

	payload, err := json.Marshal(notificationPayload{
		Email:     req.Email,
		Task:      req.Task,
		Round:     req.Round,
		Nonce:     req.Nonce,
		RepoURL:   repoURL,
		CommitSHA: commitSHA,
		PagesURL:  p.publisher.PagesURL(repoName),
	})
	if err != nil {
		log.WithError(err).Error("marshal notification payload")
		return
	}

	status := RunSuccess
	if err := p.notifier.Deliver(ctx, req.EvaluationURL, payload); err != nil {
		log.WithError(err).Error("notification delivery failed")
		status = RunFailed
	}

	rec := ProcessedRecord{
		Status:        status,
		NotifyPayload: payload,
		CompletedAt:   time.Now().UTC(),
	}
	if err := p.store.Record(key, rec); err != nil {
		if errors.Is(err, ErrRecordConflict) {
			log.WithError(err).Warn("request key already recorded with a different outcome")
		} else {
			log.WithError(err).Error("persist processed record")
		}
		return
	}
	log.WithField("status", status).Info("task run recorded")
}

// priorArtifact fetches the previous round's README and page for prompt
// context. Both are best-effort; a fresh repository just yields nothing.
func (p *Pipeline) priorArtifact(ctx context.Context, repoName string, log *logrus.Entry) (readme, html string) {
	readme, err := p.publisher.FileContent(ctx, repoName, readmeFileName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.WithError(err).Warn("fetch previous README")
	}
	html, err = p.publisher.FileContent(ctx, repoName, indexFileName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.WithError(err).Warn("fetch previous page")
	}
	return readme, html
}

// publish commits the generated artifact. Commit order matters: the page
// itself goes last so its commit carries the revision the deployment wait
// and the notification report. Individual commit failures are logged and
// skipped; a repository setup failure aborts publishing.
func (p *Pipeline) publish(ctx context.Context, repoName string, req TaskRequest, result GenerationResult, saved []SavedAttachment, log *logrus.Entry) (repoURL, commitSHA string) {
	repo, err := p.publisher.EnsureRepo(ctx, repoName, repoDescription(req.Brief))
	if err != nil {
		log.WithError(err).Error("ensure repository")
		return "", ""
	}
	repoURL = repo.HTMLURL

	if req.Round <= 1 {
		license := MITLicense(p.publisher.Username())
		if err := p.publisher.CommitFile(ctx, repoName, "LICENSE", []byte(license), "Add MIT license"); err != nil {
			log.WithError(err).Warn("commit LICENSE")
		}
		for _, att := range saved {
			data, readErr := readAttachment(att)
			if readErr != nil {
				log.WithError(readErr).WithField("attachment", att.Name).Warn("read attachment for commit")
				continue
			}
			name := filepath.Base(att.Name)
			if err := p.publisher.CommitFile(ctx, repoName, name, data, "Add attachment "+name); err != nil {
				log.WithError(err).WithField("attachment", att.Name).Warn("commit attachment")
			}
		}
	}

	if readme, ok := result.Files[readmeFileName]; ok {
		message := fmt.Sprintf("Update README for round %d", req.Round)
		if err := p.publisher.CommitFile(ctx, repoName, readmeFileName, []byte(readme), message); err != nil {
			log.WithError(err).Warn("commit README")
		}
	}

	if req.Round <= 1 {
		if err := p.publisher.EnablePages(ctx, repoName); err != nil {
			log.WithError(err).Warn("enable pages")
		}
	}

	if html, ok := result.Files[indexFileName]; ok {
		message := fmt.Sprintf("Deploy page for round %d", req.Round)
		if err := p.publisher.CommitFile(ctx, repoName, indexFileName, []byte(html), message); err != nil {
			log.WithError(err).Error("commit page")
		}
	}

	commitSHA, err = p.publisher.LatestCommitSHA(ctx, repoName)
	if err != nil {
		log.WithError(err).Warn("resolve latest commit")
		return repoURL, ""
	}
	return repoURL, commitSHA
}

var repoNamePattern = regexp.MustCompile(`[^a-z0-9._-]+`)

// sanitizeRepoName maps a task identifier onto a valid repository name.
func sanitizeRepoName(task string) string {
	name := strings.ToLower(strings.TrimSpace(task))
	name = repoNamePattern.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-.")
	if name == "" {
		name = "task"
	}
	return name
}

func repoDescription(brief string) string {
	desc := strings.TrimSpace(strings.Split(brief, "\n")[0])
	return truncateUTF8(desc, 140)
}
