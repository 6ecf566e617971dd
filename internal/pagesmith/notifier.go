package pagesmith

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type NotifierOptions struct {
	HTTPClient    *http.Client
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	SuccessStatus int
	Logger        *logrus.Logger

	sleep sleepFunc
}

// Notifier delivers a completion payload with bounded retries and
// exponential backoff. Exactly one status code counts as delivered;
// everything else, including redirects and transport errors, consumes an
// attempt and schedules the next delay.
type Notifier struct {
	httpClient    *http.Client
	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
	successStatus int
	logger        *logrus.Logger
	sleep         sleepFunc
}

func NewNotifier(opts NotifierOptions) *Notifier {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if httpClient.CheckRedirect == nil {
		// Redirects are rejections, not successes; surface the 3xx itself.
		httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	successStatus := opts.SuccessStatus
	if successStatus == 0 {
		successStatus = http.StatusOK
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	sleep := opts.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Notifier{
		httpClient:    httpClient,
		maxAttempts:   maxAttempts,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		successStatus: successStatus,
		logger:        logger,
		sleep:         sleep,
	}
}

func (n *Notifier) Deliver(ctx context.Context, targetURL string, payload json.RawMessage) error {
	if targetURL == "" {
		return fmt.Errorf("%w: empty notification target", ErrInvalidInput)
	}
	log := n.logger.WithField("target", targetURL)
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		err := n.post(ctx, targetURL, payload)
		if err == nil {
			log.WithField("attempt", attempt).Info("notification delivered")
			return nil
		}
		log.WithFields(logrus.Fields{
			"attempt":     attempt,
			"maxAttempts": n.maxAttempts,
		}).WithError(err).Warn("notification attempt failed")
		if attempt == n.maxAttempts {
			break
		}
		if sleepErr := n.sleep(ctx, n.retryDelay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return fmt.Errorf("notification failed after %d attempts", n.maxAttempts)
}

func (n *Notifier) post(ctx context.Context, targetURL string, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != n.successStatus {
		return fmt.Errorf("notification rejected: status=%d message=%s", resp.StatusCode, truncateBody(respBody))
	}
	return nil
}

// retryDelay doubles from baseDelay per completed attempt and is capped, so
// the sequence is non-decreasing: 1s, 2s, 4s, 8s, 16s, ...
func (n *Notifier) retryDelay(attempt int) time.Duration {
	delay := n.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= n.maxDelay {
			return n.maxDelay
		}
	}
	if delay > n.maxDelay {
		return n.maxDelay
	}
	return delay
}
