package deliveries

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"project-relay/internal/githubapp"
)

const (
	deliveriesPerPage = 100
	retryTimeout      = 30 * time.Second

	// GitHub delivery timestamps are fixed-format UTC.
	githubTimeFormat = "2006-01-02T15:04:05Z"
)

// Delivery is one recorded attempt by GitHub to deliver a webhook event.
type Delivery struct {
	ID          int64  `json:"id"`
	GUID        string `json:"guid"`
	StatusCode  int    `json:"status_code"`
	DeliveredAt string `json:"delivered_at"`
	Redelivery  bool   `json:"redelivery"`
}

// Retrier walks the App's webhook delivery log and re-triggers deliveries
// that failed within the reprocess window. Stateless between runs; all
// state lives in GitHub's own delivery log.
type Retrier struct {
	apiBaseURL string
	httpClient *http.Client
	tokens     *githubapp.TokenManager
	limiter    *rate.Limiter
	windowDays int
	logger     zerolog.Logger
}

func NewRetrier(apiBaseURL string, tokens *githubapp.TokenManager, windowDays int, logger zerolog.Logger) *Retrier {
	return &Retrier{
		apiBaseURL: apiBaseURL,
		httpClient: &http.Client{Timeout: retryTimeout},
		tokens:     tokens,
		// One page per second, matching GitHub's rate-limit guidance for
		// sequential pagination.
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		windowDays: windowDays,
		logger:     logger.With().Str("component", "deliveries").Logger(),
	}
}

// ListRecent pages through the delivery log, newest first, and returns the
// deliveries inside the reprocess window. The walk stops at the first entry
// older than the cutoff. Any HTTP failure mid-walk ends the walk and the
// deliveries collected so far are returned.
func (r *Retrier) ListRecent(ctx context.Context, headers map[string]string) []Delivery {
	var collected []Delivery
	url := fmt.Sprintf("%s/app/hook/deliveries?per_page=%d", r.apiBaseURL, deliveriesPerPage)
	cutoff := time.Now().UTC().AddDate(0, 0, -r.windowDays)

	for url != "" {
		page, nextURL, err := r.fetchPage(ctx, url, headers)
		if err != nil {
			r.logger.Error().Err(err).Str("url", url).Msg("Failed to fetch delivery page, returning partial results")
			return collected
		}
		if len(page) == 0 {
			break
		}

		for _, delivery := range page {
			if delivery.DeliveredAt == "" {
				r.logger.Warn().Int64("delivery_id", delivery.ID).Msg("Delivery missing delivered_at timestamp, skipping")
				continue
			}
			deliveredAt, err := time.Parse(githubTimeFormat, delivery.DeliveredAt)
			if err != nil {
				r.logger.Error().Err(err).Str("delivered_at", delivery.DeliveredAt).Msg("Invalid delivery timestamp, skipping")
				continue
			}
			if deliveredAt.Before(cutoff) {
				// Deliveries arrive newest first, so everything beyond
				// this point is older than the window.
				r.logger.Debug().Msg("Reached deliveries older than the cutoff, stopping")
				return collected
			}
			collected = append(collected, delivery)
		}

		url = nextURL
		if url == "" {
			break
		}
		if err := r.limiter.Wait(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Pagination interrupted")
			return collected
		}
	}

	return collected
}

func (r *Retrier) fetchPage(ctx context.Context, url string, headers map[string]string) ([]Delivery, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create delivery request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("delivery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("delivery request returned status %s", resp.Status)
	}

	var page []Delivery
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("failed to decode delivery page: %w", err)
	}

	return page, nextPageURL(resp.Header.Get("Link")), nil
}

// nextPageURL extracts the rel="next" target from a GitHub Link header.
// Returns "" when there is no next page.
func nextPageURL(linkHeader string) string {
	for _, part := range strings.Split(linkHeader, ",") {
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start >= 0 && end > start {
			return part[start+1 : end]
		}
	}
	return ""
}

// SelectFailedIDs filters deliveries down to the ids worth retrying:
// anything without a 200 status, deduplicated by guid. Deliveries arrive
// newest first, so first-occurrence-wins keeps the most recent attempt per
// event.
func (r *Retrier) SelectFailedIDs(deliveries []Delivery) []int64 {
	var failed []int64
	seen := make(map[string]bool)

	for _, delivery := range deliveries {
		if delivery.StatusCode == http.StatusOK || delivery.ID == 0 || seen[delivery.GUID] {
			continue
		}
		failed = append(failed, delivery.ID)
		seen[delivery.GUID] = true

		if delivery.Redelivery {
			r.logger.Error().
				Int64("delivery_id", delivery.ID).
				Str("guid", delivery.GUID).
				Int("status_code", delivery.StatusCode).
				Msg("A redelivery has failed, will try again")
		}
	}

	return failed
}

// RetryDelivery asks GitHub to attempt a delivery again. GitHub answers 202
// when the redelivery is queued.
func (r *Retrier) RetryDelivery(ctx context.Context, deliveryID int64, headers map[string]string) error {
	url := fmt.Sprintf("%s/app/hook/deliveries/%d/attempts", r.apiBaseURL, deliveryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create redelivery request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("redelivery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("redelivery request returned status %s", resp.Status)
	}

	r.logger.Info().Int64("delivery_id", deliveryID).Msg("Webhook delivery resent")
	return nil
}

// Run executes one full retry cycle: mint headers, list recent deliveries,
// retry each failed one sequentially. Individual failures are logged and
// never abort the batch; an auth failure abandons the cycle until the next
// scheduled run. Not safe against overlapping runs, which cannot occur
// under the startup-plus-daily schedule.
func (r *Retrier) Run(ctx context.Context) {
	headers, err := r.tokens.Headers()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to obtain auth headers, skipping retry cycle")
		return
	}

	deliveries := r.ListRecent(ctx, headers)
	r.logger.Info().Int("deliveries", len(deliveries)).Int("window_days", r.windowDays).Msg("Fetched webhook deliveries")

	failed := r.SelectFailedIDs(deliveries)
	r.logger.Info().Int("failed", len(failed)).Msg("Selected failed deliveries to retry")

	retried := 0
	for _, id := range failed {
		if err := r.RetryDelivery(ctx, id, headers); err != nil {
			r.logger.Error().Err(err).Int64("delivery_id", id).Msg("Failed to retry webhook delivery")
			continue
		}
		retried++
	}

	r.logger.Info().Int("retried", retried).Int("failed", len(failed)).Msg("Retry cycle complete")
}
