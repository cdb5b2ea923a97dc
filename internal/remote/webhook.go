package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/octo-potato/internal/models"
)

// uploadResponse is the success body of the attachment endpoint: an
// opaque message identifier plus the hosted attachment URLs.
type uploadResponse struct {
	ID          string `json:"id"`
	Attachments []struct {
		URL string `json:"url"`
	} `json:"attachments"`
}

// WebhookStore uploads chunks to an attachment-hosting webhook endpoint
// and fetches them back through a rewriting proxy.
type WebhookStore struct {
	webhookURL string
	proxyBase  string
	uploader   *http.Client
	fetcher    *retryablehttp.Client
}

// NewWebhookStore creates a store for the given upload endpoint and
// download proxy base. The upload client deliberately has no
// library-level retry: the executor owns that policy. The fetch client
// retries transient download failures on its own.
func NewWebhookStore(webhookURL, proxyBase string) *WebhookStore {
	fetcher := retryablehttp.NewClient()
	fetcher.RetryMax = 4
	fetcher.Logger = nil
	fetcher.HTTPClient.Transport = otelhttp.NewTransport(http.DefaultTransport)

	return &WebhookStore{
		webhookURL: webhookURL,
		proxyBase:  proxyBase,
		uploader: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		fetcher: fetcher,
	}
}

// Upload posts the payload as a multipart form with a single file field
// and parses the resulting locator out of the response body.
func (ws *WebhookStore) Upload(ctx context.Context, name string, payload io.Reader, size int64) (models.Locator, error) {
	ctx, span := tracer.Start(ctx, "webhook.upload",
		trace.WithAttributes(
			attribute.String("chunk_name", name),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		span.RecordError(err)
		return models.Locator{}, fmt.Errorf("failed to build multipart form: %w", err)
	}
	if _, err := io.Copy(part, payload); err != nil {
		span.RecordError(err)
		return models.Locator{}, fmt.Errorf("failed to read payload: %w", err)
	}
	if err := form.Close(); err != nil {
		span.RecordError(err)
		return models.Locator{}, fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.webhookURL, &body)
	if err != nil {
		span.RecordError(err)
		return models.Locator{}, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("X-Request-Id", uuid.New().String())

	resp, err := ws.uploader.Do(req)
	if err != nil {
		span.RecordError(err)
		return models.Locator{}, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		span.SetAttributes(attribute.Bool("rate_limited", true))
		return models.Locator{}, ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		err := fmt.Errorf("upload returned status %s", resp.Status)
		span.RecordError(err)
		return models.Locator{}, err
	}

	var parsed uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		span.RecordError(err)
		return models.Locator{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if parsed.ID == "" || len(parsed.Attachments) == 0 || parsed.Attachments[0].URL == "" {
		span.RecordError(ErrMalformedResponse)
		return models.Locator{}, fmt.Errorf("%w: missing id or attachment url", ErrMalformedResponse)
	}

	loc := models.Locator{MessageID: parsed.ID, URL: parsed.Attachments[0].URL}
	span.SetAttributes(
		attribute.String("message_id", loc.MessageID),
		attribute.Bool("upload_success", true),
	)
	return loc, nil
}

// Fetch issues a GET through the rewriting proxy and streams the raw
// chunk bytes.
func (ws *WebhookStore) Fetch(ctx context.Context, loc models.Locator) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "webhook.fetch",
		trace.WithAttributes(
			attribute.String("message_id", loc.MessageID),
		),
	)
	defer span.End()

	proxiedURL := ProxyRewrite(ws.proxyBase, loc.URL)
	span.SetAttributes(attribute.String("url", proxiedURL))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, proxiedURL, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := ws.fetcher.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("fetch returned status %s", resp.Status)
		span.RecordError(err)
		return nil, err
	}

	return resp.Body, nil
}

// ProxyRewrite turns a stored locator URL into the fetchable download
// URL via the configured proxy base.
func ProxyRewrite(proxyBase, storedURL string) string {
	return fmt.Sprintf("%s/?%s", proxyBase, storedURL)
}
