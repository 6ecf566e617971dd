package main

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/pagesmith/internal/httpapi"
	"github.com/agentworkforce/pagesmith/internal/pagesmith"
)

func main() {
	_ = godotenv.Load()

	logger := pagesmith.NewLogger(os.Getenv("PAGESMITH_LOG_LEVEL"), os.Getenv("PAGESMITH_LOG_FILE"))

	githubToken := requireEnv(logger, "GITHUB_TOKEN")
	githubUsername := requireEnv(logger, "GITHUB_USERNAME")
	groqKey := requireEnv(logger, "GROQ_API_KEY")
	secret := requireEnv(logger, "PAGESMITH_SECRET")

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize state backend")
	}
	store, err := pagesmith.NewStore(backend)
	if err != nil {
		logger.WithError(err).Fatal("failed to load processed state")
	}
	defer store.Close()

	primary := pagesmith.NewGroqClient(pagesmith.GroqClientOptions{
		APIKey: groqKey,
		Model:  os.Getenv("GROQ_MODEL"),
	})
	var backup pagesmith.GenerationBackend
	if geminiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); geminiKey != "" {
		backup = pagesmith.NewGeminiClient(pagesmith.GeminiClientOptions{
			APIKey: geminiKey,
			Model:  os.Getenv("GEMINI_MODEL"),
		})
	} else {
		logger.Warn("GEMINI_API_KEY not set, backup generation tier disabled")
	}

	chain := pagesmith.NewGeneratorChain(pagesmith.GeneratorChainOptions{
		Primary: primary,
		Backup:  backup,
		Timeout: durationEnv(logger, "PAGESMITH_GENERATION_TIMEOUT", 2*time.Minute),
		Logger:  logger,
	})

	github := pagesmith.NewGitHubClient(pagesmith.GitHubClientOptions{
		Token:     githubToken,
		Username:  githubUsername,
		UserAgent: "pagesmith",
	})

	poller := pagesmith.NewDeploymentPoller(pagesmith.DeploymentPollerOptions{
		Provider:     github,
		PollInterval: durationEnv(logger, "PAGESMITH_POLL_INTERVAL", 5*time.Second),
		MaxAttempts:  intEnv(logger, "PAGESMITH_POLL_MAX_ATTEMPTS", 36),
		Logger:       logger,
	})

	notifier := pagesmith.NewNotifier(pagesmith.NotifierOptions{
		MaxAttempts: intEnv(logger, "PAGESMITH_NOTIFY_MAX_ATTEMPTS", 10),
		BaseDelay:   durationEnv(logger, "PAGESMITH_NOTIFY_BASE_DELAY", time.Second),
		Logger:      logger,
	})

	pipeline := pagesmith.NewPipeline(pagesmith.PipelineOptions{
		Store:          store,
		Chain:          chain,
		Publisher:      github,
		Poller:         poller,
		Notifier:       notifier,
		AttachmentsDir: attachmentsDirFromEnv(),
		Logger:         logger,
	})

	server := httpapi.NewServer(pipeline, store, httpapi.ServerConfig{
		Secret:          secret,
		MaxBodyBytes:    int64Env(logger, "PAGESMITH_MAX_BODY_BYTES", 0),
		RateLimitMax:    intEnv(logger, "PAGESMITH_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv(logger, "PAGESMITH_RATE_LIMIT_WINDOW", time.Minute),
	})

	addr := os.Getenv("PAGESMITH_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger.WithField("addr", addr).Info("pagesmith listening")
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
}

func requireEnv(logger *logrus.Logger, name string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		logger.Fatalf("%s is required", name)
	}
	return value
}

func buildStateBackendFromEnv() (pagesmith.StateBackend, error) {
	dsn := strings.TrimSpace(os.Getenv("PAGESMITH_STATE_BACKEND_DSN"))
	if dsn != "" {
		return pagesmith.BuildStateBackendFromDSN(dsn)
	}
	stateFile := strings.TrimSpace(os.Getenv("PAGESMITH_STATE_FILE"))
	if stateFile == "" {
		stateFile = filepath.Join(".pagesmith", "state.json")
	}
	return pagesmith.NewJSONFileStateBackend(stateFile), nil
}

func attachmentsDirFromEnv() string {
	dir := strings.TrimSpace(os.Getenv("PAGESMITH_ATTACHMENTS_DIR"))
	if dir == "" {
		dir = filepath.Join(".pagesmith", "attachments")
	}
	return dir
}

func intEnv(logger *logrus.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(logger *logrus.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(logger *logrus.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
