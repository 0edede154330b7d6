// Package webhook is the source-control webhook ingress: signature
// verification, delivery-ID dedupe, raw-payload archival, event filtering,
// loop prevention, pause/resume commands, and dispatch of normalized
// events into the review cycle. Every non-validation condition is a
// structured status, never an error.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/budget"
	"github.com/opsrunbook/copilot/pkg/canonical"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/recordstore"
)

// Statuses returned to the caller. Everything past validation is one of
// these, with HTTP 202.
const (
	StatusAccepted         = "accepted"
	StatusAlreadyProcessed = "already_processed"
	StatusSkipped          = "skipped"
	StatusPaused           = "paused"
	StatusResumed          = "resumed"
)

// DefaultBotSlug mirrors the review cycle's default identity.
const DefaultBotSlug = "opsrunbook-copilot-bot"

// dedupeTTL bounds the Redis fast-path entries; the record store remains
// the durable dedupe source.
const dedupeTTL = 24 * time.Hour

const (
	maxCommentChars  = 4000
	maxDiffHunkChars = 2000
)

// Raw-archive caps. Deliveries are archived before normalization, so a
// hostile or pathological payload must not blow up blob storage.
const (
	maxRawRows  = 100
	maxRawBytes = 256 * 1024
)

// Validation failures. The API layer maps these to 4xx/5xx.
var (
	ErrSecretNotConfigured = errors.New("webhook: secret not configured")
	ErrInvalidSignature    = errors.New("webhook: invalid signature")
	ErrMissingHeaders      = errors.New("webhook: missing required headers")
	ErrMalformedPayload    = errors.New("webhook: malformed payload")
)

var supportedEvents = map[string]bool{
	"issue_comment":               true,
	"pull_request_review":         true,
	"pull_request_review_comment": true,
	"pull_request":                true,
}

// Dispatcher starts one review-cycle execution per delivery. A name
// collision on the execution must be treated as already started, not an
// error.
type Dispatcher interface {
	StartReviewCycle(ctx context.Context, name string, event *contracts.PRReviewEvent) (handle string, err error)
}

// Delivery is one inbound webhook POST.
type Delivery struct {
	Body       []byte
	Signature  string // x-hub-signature-256
	EventType  string // x-github-event
	DeliveryID string // x-github-delivery
}

// Result is the structured outcome returned to the caller.
type Result struct {
	DeliveryID      string `json:"delivery_id"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	ExecutionHandle string `json:"execution_handle,omitempty"`
}

// Config holds the static ingress parameters.
type Config struct {
	Secret  string
	BotSlug string // defaults to DefaultBotSlug
}

// Handler processes webhook deliveries.
type Handler struct {
	cfg        Config
	blobs      blobstore.Store
	records    recordstore.Store
	dispatcher Dispatcher            // nil accepts without starting an execution
	rdb        redis.UniversalClient // nil disables the fast path
	log        *slog.Logger
	clock      func() time.Time
}

// NewHandler builds a webhook handler. blobs and records are required.
func NewHandler(blobs blobstore.Store, records recordstore.Store, dispatcher Dispatcher, cfg Config, log *slog.Logger) *Handler {
	if cfg.BotSlug == "" {
		cfg.BotSlug = DefaultBotSlug
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		cfg:        cfg,
		blobs:      blobs,
		records:    records,
		dispatcher: dispatcher,
		log:        log.With("component", "webhook"),
		clock:      time.Now,
	}
}

// WithRedis enables the SET NX EX dedupe fast path in front of the record
// store.
func (h *Handler) WithRedis(rdb redis.UniversalClient) *Handler {
	h.rdb = rdb
	return h
}

// WithClock overrides the time source. Test hook.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// VerifySignature does a constant-time compare of the sha256=<hex> header
// against the HMAC of the raw body.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Process runs one delivery through the full ingress contract.
func (h *Handler) Process(ctx context.Context, d Delivery) (*Result, error) {
	if h.cfg.Secret == "" {
		return nil, ErrSecretNotConfigured
	}
	if !VerifySignature(d.Body, d.Signature, h.cfg.Secret) {
		return nil, ErrInvalidSignature
	}
	if d.EventType == "" || d.DeliveryID == "" {
		return nil, ErrMissingHeaders
	}

	dup, err := h.alreadyProcessed(ctx, d.DeliveryID)
	if err != nil {
		return nil, fmt.Errorf("webhook: dedupe lookup: %w", err)
	}
	if dup {
		return &Result{DeliveryID: d.DeliveryID, Status: StatusAlreadyProcessed}, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	repoFullName := str(dig(payload, "repository"), "full_name")
	if err := h.persistRaw(ctx, d, payload, repoFullName); err != nil {
		return nil, fmt.Errorf("webhook: persist raw payload: %w", err)
	}

	if !supportedEvents[d.EventType] {
		return h.finish(ctx, d.DeliveryID, "skipped_unsupported_event",
			&Result{DeliveryID: d.DeliveryID, Status: StatusSkipped, Reason: "unsupported_event"})
	}
	if d.EventType == "issue_comment" {
		if issue := dig(payload, "issue"); issue == nil || dig(issue, "pull_request") == nil {
			return h.finish(ctx, d.DeliveryID, "skipped_not_pr",
				&Result{DeliveryID: d.DeliveryID, Status: StatusSkipped, Reason: "not_a_pr"})
		}
	}

	event := h.Normalize(d.EventType, d.DeliveryID, payload)
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	doc, err := canonical.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode normalized event: %w", err)
	}
	if err := contracts.ValidateAgainstSchema(contracts.SchemaPRReviewEvent, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	sender := strings.ToLower(event.SenderLogin)
	if strings.HasSuffix(sender, "[bot]") || sender == strings.ToLower(h.cfg.BotSlug) {
		return h.finish(ctx, d.DeliveryID, "skipped_self_event",
			&Result{DeliveryID: d.DeliveryID, Status: StatusSkipped, Reason: "self_event"})
	}

	comment := strings.ToLower(strings.TrimSpace(event.CommentBody))
	if strings.Contains(comment, "/copilot stop") {
		if err := h.setPRPaused(ctx, event.RepoFullName, event.PRNumber, true); err != nil {
			return nil, err
		}
		return h.finish(ctx, d.DeliveryID, "copilot_paused",
			&Result{DeliveryID: d.DeliveryID, Status: StatusPaused})
	}
	if strings.Contains(comment, "/copilot resume") {
		if err := h.setPRPaused(ctx, event.RepoFullName, event.PRNumber, false); err != nil {
			return nil, err
		}
		return h.finish(ctx, d.DeliveryID, "copilot_resumed",
			&Result{DeliveryID: d.DeliveryID, Status: StatusResumed})
	}

	paused, err := h.isPRPaused(ctx, event.RepoFullName, event.PRNumber)
	if err != nil {
		return nil, err
	}
	if paused {
		return h.finish(ctx, d.DeliveryID, "skipped_paused",
			&Result{DeliveryID: d.DeliveryID, Status: StatusSkipped, Reason: "pr_paused"})
	}

	handle := ""
	if h.dispatcher != nil {
		handle, err = h.dispatcher.StartReviewCycle(ctx, "pr-review-"+d.DeliveryID, event)
		if err != nil {
			return nil, fmt.Errorf("webhook: dispatch delivery %s: %w", d.DeliveryID, err)
		}
	}
	return h.finish(ctx, d.DeliveryID, "dispatched",
		&Result{DeliveryID: d.DeliveryID, Status: StatusAccepted, ExecutionHandle: handle})
}

// Normalize produces the github_pr_review_event.v1 document from a raw
// payload. Comment bodies are capped at 4000 chars and diff hunks at 2000.
func (h *Handler) Normalize(eventType, deliveryID string, payload map[string]any) *contracts.PRReviewEvent {
	event := &contracts.PRReviewEvent{
		SchemaVersion:  contracts.SchemaPRReviewEvent,
		DeliveryID:     deliveryID,
		EventType:      eventType,
		Action:         str(payload, "action"),
		RepoFullName:   str(dig(payload, "repository"), "full_name"),
		InstallationID: i64(dig(payload, "installation"), "id"),
		SenderLogin:    str(dig(payload, "sender"), "login"),
		ReceivedAt:     h.clock().UTC().Format(time.RFC3339Nano),
	}

	switch eventType {
	case "issue_comment":
		issue := dig(payload, "issue")
		event.PRNumber = num(issue, "number")
		event.PRURL = str(dig(issue, "pull_request"), "html_url")
		if event.PRURL == "" {
			event.PRURL = str(issue, "html_url")
		}
		comment := dig(payload, "comment")
		event.CommentBody = truncate(str(comment, "body"), maxCommentChars)
		event.CommentURL = str(comment, "html_url")

	case "pull_request_review_comment":
		pr := dig(payload, "pull_request")
		event.PRNumber = num(pr, "number")
		event.PRURL = str(pr, "html_url")
		comment := dig(payload, "comment")
		event.CommentBody = truncate(str(comment, "body"), maxCommentChars)
		event.CommentURL = str(comment, "html_url")
		event.InlineContext = &contracts.InlineContext{
			Path:             str(comment, "path"),
			Position:         numPtr(comment, "position"),
			OriginalPosition: numPtr(comment, "original_position"),
			Line:             numPtr(comment, "line"),
			OriginalLine:     numPtr(comment, "original_line"),
			Side:             str(comment, "side"),
			DiffHunk:         truncate(str(comment, "diff_hunk"), maxDiffHunkChars),
		}

	case "pull_request_review":
		pr := dig(payload, "pull_request")
		event.PRNumber = num(pr, "number")
		event.PRURL = str(pr, "html_url")
		review := dig(payload, "review")
		event.CommentBody = truncate(str(review, "body"), maxCommentChars)
		event.CommentURL = str(review, "html_url")
		event.ReviewState = str(review, "state")

	case "pull_request":
		pr := dig(payload, "pull_request")
		event.PRNumber = num(pr, "number")
		event.PRURL = str(pr, "html_url")
	}
	return event
}

// alreadyProcessed consults Redis first (SET NX EX) when configured, then
// the record store. Redis losing its state only costs a record-store read.
func (h *Handler) alreadyProcessed(ctx context.Context, deliveryID string) (bool, error) {
	if h.rdb != nil {
		set, err := h.rdb.SetNX(ctx, "webhook:delivery:"+deliveryID, "1", dedupeTTL).Result()
		if err != nil {
			h.log.Warn("redis dedupe unavailable, falling back to record store", "error", err)
		} else if !set {
			return true, nil
		}
	}
	_, found, err := h.records.GetRecord(ctx, recordstore.PKWebhookDelivery, recordstore.DeliverySK(deliveryID))
	return found, err
}

func (h *Handler) persistRaw(ctx context.Context, d Delivery, payload map[string]any, repoFullName string) error {
	repo := repoFullName
	if repo == "" {
		repo = "unknown"
	}
	meta := map[string]any{
		"delivery_id":     d.DeliveryID,
		"event_type":      d.EventType,
		"action":          str(payload, "action"),
		"received_at":     h.clock().UTC().Format(time.RFC3339Nano),
		"repository":      repoFullName,
		"installation_id": i64(dig(payload, "installation"), "id"),
		"sender_login":    str(dig(payload, "sender"), "login"),
	}
	archived, err := budget.Apply(payload, maxRawRows, maxRawBytes)
	if err != nil {
		return err
	}
	meta["truncated"] = archived.Truncated
	_, err = h.blobs.PutJSON(ctx, blobstore.WebhookRawKey(repo, d.DeliveryID),
		map[string]any{"metadata": meta, "payload": archived.Payload})
	return err
}

// finish marks the delivery processed with its outcome and returns the
// result.
func (h *Handler) finish(ctx context.Context, deliveryID, outcome string, res *Result) (*Result, error) {
	err := h.records.PutRecord(ctx, recordstore.Record{
		PK: recordstore.PKWebhookDelivery,
		SK: recordstore.DeliverySK(deliveryID),
		Item: map[string]any{
			"delivery_id":  deliveryID,
			"outcome":      outcome,
			"processed_at": h.clock().UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: mark delivery %s: %w", deliveryID, err)
	}
	return res, nil
}

func (h *Handler) setPRPaused(ctx context.Context, repoFullName string, prNumber int, paused bool) error {
	if prNumber == 0 {
		return nil
	}
	return h.records.PutRecord(ctx, recordstore.Record{
		PK: recordstore.WebhookPRPK(repoFullName),
		SK: recordstore.PRSK(prNumber),
		Item: map[string]any{
			"paused":     paused,
			"updated_at": h.clock().UTC().Format(time.RFC3339Nano),
		},
	})
}

func (h *Handler) isPRPaused(ctx context.Context, repoFullName string, prNumber int) (bool, error) {
	if prNumber == 0 {
		return false, nil
	}
	item, found, err := h.records.GetRecord(ctx, recordstore.WebhookPRPK(repoFullName), recordstore.PRSK(prNumber))
	if err != nil || !found {
		return false, err
	}
	paused, _ := item["paused"].(bool)
	return paused, nil
}

// JSON payload accessors. GitHub payloads are deeply nested and every
// field is optional at this layer; missing keys read as zero values.

func dig(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	child, _ := m[key].(map[string]any)
	return child
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	f, _ := m[key].(float64)
	return int(f)
}

func numPtr(m map[string]any, key string) *int {
	if m == nil {
		return nil
	}
	f, ok := m[key].(float64)
	if !ok {
		return nil
	}
	n := int(f)
	return &n
}

func i64(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	f, _ := m[key].(float64)
	return int64(f)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
