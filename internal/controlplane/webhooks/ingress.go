package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/audit"
	"github.com/marlinsec/playbookd/internal/controlplane/events"
	"github.com/marlinsec/playbookd/internal/controlplane/metrics"
	"github.com/marlinsec/playbookd/internal/controlplane/triggers"
	"github.com/marlinsec/playbookd/internal/shared/ratelimit"
	"github.com/marlinsec/playbookd/internal/shared/signing"
	"github.com/marlinsec/playbookd/internal/telemetry"
)

// Delivery headers.
const (
	HeaderTimestamp = "X-Playbookd-Timestamp"
	HeaderSignature = "X-Playbookd-Signature"
)

// Ingress rejection codes.
const (
	CodeRateLimited        = "RATE_LIMITED"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeTimestampSkew      = "TIMESTAMP_SKEW"
	CodeTimestampExpired   = "TIMESTAMP_EXPIRED"
	CodeMissingTimestamp   = "MISSING_TIMESTAMP"
	CodeDuplicateNonce     = "DUPLICATE_NONCE"
	CodeSignatureMismatch  = "SIGNATURE_MISMATCH"
	CodeWebhookDisabled    = "WEBHOOK_DISABLED"
	CodePlaybookFloodLimit = "PLAYBOOK_FLOOD_LIMIT"
	CodeGlobalFloodLimit   = "GLOBAL_FLOOD_LIMIT"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
)

// Starter hands a matched alert to the execution engine. The execution
// record must exist before Start returns; the run itself is async.
type Starter interface {
	Start(ctx StartRequest) (string, error)
}

// StartRequest carries everything the engine needs to create an
// execution from an accepted delivery.
type StartRequest struct {
	PlaybookID    string
	WebhookID     string
	TriggerSource string
	TriggerData   map[string]any
	ReceivedAt    time.Time
}

// IngressConfig tunes the delivery checks.
type IngressConfig struct {
	MaxBodyBytes    int64
	FreshnessWindow time.Duration

	// Source-IP limiter settings.
	PerSourceBurst  int
	GlobalPerWindow int

	// Flood control over triggered playbooks.
	PlaybookFloodPerMinute int
	GlobalFloodPerMinute   int
}

// DefaultIngressConfig returns production defaults.
func DefaultIngressConfig() IngressConfig {
	return IngressConfig{
		MaxBodyBytes:           256 << 10,
		FreshnessWindow:        5 * time.Minute,
		PerSourceBurst:         30,
		GlobalPerWindow:        600,
		PlaybookFloodPerMinute: 10,
		GlobalFloodPerMinute:   60,
	}
}

// Ingress terminates webhook deliveries. Checks run in a fixed order
// and the first failure wins; only accepted deliveries reach the
// trigger evaluator.
type Ingress struct {
	store   *Store
	starter Starter
	config  IngressConfig

	sourceLimiter *ratelimit.Limiter
	floodLimiter  *ratelimit.Limiter
	nonces        *NonceCache

	metrics *metrics.Metrics
	auditor *audit.Store
	bus     *events.Bus
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	windows map[string]*hookWindow
}

// hookWindow tracks the per-webhook delivery count for the webhook's
// own rate window so sustained abuse can be detected on rollover.
type hookWindow struct {
	start time.Time
	count int
}

func NewIngress(store *Store, starter Starter, cfg IngressConfig, m *metrics.Metrics, auditor *audit.Store, bus *events.Bus, logger *zap.Logger) *Ingress {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultIngressConfig().MaxBodyBytes
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultIngressConfig().FreshnessWindow
	}
	return &Ingress{
		store:   store,
		starter: starter,
		config:  cfg,
		sourceLimiter: ratelimit.NewLimiter(ratelimit.Config{
			PerSourceBurst:  cfg.PerSourceBurst,
			GlobalPerWindow: cfg.GlobalPerWindow,
			Window:          time.Minute,
		}),
		floodLimiter: ratelimit.NewLimiter(ratelimit.Config{
			PerSourceBurst:  cfg.PlaybookFloodPerMinute,
			GlobalPerWindow: cfg.GlobalFloodPerMinute,
			Window:          time.Minute,
		}),
		nonces:  NewNonceCache(cfg.FreshnessWindow + time.Minute),
		metrics: m,
		auditor: auditor,
		bus:     bus,
		logger:  logger.Named("ingress"),
		now:     func() time.Time { return time.Now().UTC() },
		windows: make(map[string]*hookWindow),
	}
}

// SetNow overrides the clock on the ingress and its caches (tests).
func (in *Ingress) SetNow(now func() time.Time) {
	in.now = now
	in.sourceLimiter.SetNow(now)
	in.floodLimiter.SetNow(now)
	in.nonces.SetNow(now)
}

// HandleDelivery serves POST /webhook/{webhook_id}.
func (in *Ingress) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	started := in.now()
	webhookID := r.PathValue("webhook_id")
	source := peerIP(r)

	_, span := telemetry.StartIngressSpan(r.Context(), webhookID, source)
	defer span.End()

	// 1. Per-source rate limit.
	if decision := in.sourceLimiter.Allow(source); !decision.Allowed {
		in.reject(w, webhookID, http.StatusTooManyRequests, CodeRateLimited, decision.Reason, decision.RetryAfter, "rate_limited")
		return
	}

	// 2. Body cap.
	body, err := io.ReadAll(io.LimitReader(r.Body, in.config.MaxBodyBytes+1))
	if err != nil {
		in.reject(w, webhookID, http.StatusBadRequest, CodeInvalidPayload, "unreadable body", 0, "error")
		return
	}
	if int64(len(body)) > in.config.MaxBodyBytes {
		in.reject(w, webhookID, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
			fmt.Sprintf("body exceeds %d bytes", in.config.MaxBodyBytes), 0, "oversized")
		return
	}

	// 3. Timestamp freshness. Past-window timestamps are deferred to the
	// signature check so they classify as TIMESTAMP_EXPIRED.
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	var tsAge time.Duration
	if timestamp != "" {
		seconds, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			in.reject(w, webhookID, http.StatusBadRequest, CodeTimestampSkew, "timestamp is not unix seconds", 0, "timestamp_skew")
			return
		}
		tsAge = started.Sub(time.Unix(seconds, 0).UTC())
		if tsAge < -in.config.FreshnessWindow {
			in.reject(w, webhookID, http.StatusBadRequest, CodeTimestampSkew,
				fmt.Sprintf("timestamp more than %s ahead of server clock", in.config.FreshnessWindow), 0, "timestamp_skew")
			return
		}
		if tsAge > in.config.FreshnessWindow && signature == "" {
			in.reject(w, webhookID, http.StatusBadRequest, CodeTimestampSkew,
				fmt.Sprintf("timestamp outside the %s freshness window", in.config.FreshnessWindow), 0, "timestamp_skew")
			return
		}
	}

	// 4. Replay cache.
	if in.nonces.Seen(Fingerprint(webhookID, timestamp, body)) {
		in.reject(w, webhookID, http.StatusBadRequest, CodeDuplicateNonce, "delivery already processed", 0, "duplicate_nonce")
		return
	}

	hook, err := in.store.Get(webhookID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			in.reject(w, webhookID, http.StatusNotFound, CodeWebhookDisabled, "unknown webhook", 0, "unknown")
			return
		}
		in.logger.Error("webhook lookup failed", zap.String("webhook_id", webhookID), zap.Error(err))
		in.reject(w, webhookID, http.StatusInternalServerError, "INTERNAL_ERROR", "webhook lookup failed", 0, "error")
		return
	}
	in.bumpWindow(hook, started)

	// 5. HMAC signature.
	if signature != "" {
		if timestamp == "" {
			in.recordRejected(hook, started, w, http.StatusBadRequest, CodeMissingTimestamp, "signature requires a timestamp", 0, "missing_timestamp")
			return
		}
		if tsAge > in.config.FreshnessWindow {
			in.recordRejected(hook, started, w, http.StatusBadRequest, CodeTimestampExpired,
				fmt.Sprintf("timestamp older than the %s freshness window", in.config.FreshnessWindow), 0, "timestamp_expired")
			return
		}
		if err := signing.Verify([]byte(hook.Secret), timestamp, body, signature); err != nil {
			in.recordRejected(hook, started, w, http.StatusUnauthorized, CodeSignatureMismatch, "signature verification failed", 0, "signature_mismatch")
			return
		}
	} else if hook.RequireSignature {
		in.recordRejected(hook, started, w, http.StatusUnauthorized, CodeSignatureMismatch, "webhook requires a signed delivery", 0, "signature_mismatch")
		return
	}

	// 6. Webhook status.
	if hook.Status == StatusSuspended {
		in.recordRejected(hook, started, w, http.StatusForbidden, CodeWebhookDisabled, "webhook suspended: "+hook.SuspendReason, 0, "suspended")
		return
	}
	if !hook.Receivable() {
		in.recordRejected(hook, started, w, http.StatusGone, CodeWebhookDisabled, "webhook disabled", 0, "disabled")
		return
	}

	// 7. Flood control.
	if decision := in.floodLimiter.Allow(hook.PlaybookID); !decision.Allowed {
		code := CodePlaybookFloodLimit
		if decision.Global {
			code = CodeGlobalFloodLimit
		}
		in.recordRejected(hook, started, w, http.StatusTooManyRequests, code, decision.Reason, decision.RetryAfter, "flood")
		return
	}

	// 8. Body schema.
	var alert map[string]any
	if err := json.Unmarshal(body, &alert); err != nil || alert == nil {
		in.recordRejected(hook, started, w, http.StatusBadRequest, CodeInvalidPayload, "body must be a JSON object", 0, "invalid_payload")
		return
	}

	in.accept(w, hook, alert, started)
}

// accept runs the trigger and either starts an execution or drops.
func (in *Ingress) accept(w http.ResponseWriter, hook *Webhook, alert map[string]any, started time.Time) {
	normalized := triggers.NormalizeAlert(alert)

	matched := true
	if hook.Trigger != nil {
		if !hook.Trigger.Enabled {
			matched = false
		} else {
			matched = triggers.Evaluate(*hook.Trigger, normalized).Matched
		}
	}

	if !matched {
		in.count(hook.WebhookID, "dropped")
		_ = in.store.RecordDelivery(hook.WebhookID, OutcomeDropped, in.now().Sub(started))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	executionID, err := in.starter.Start(StartRequest{
		PlaybookID:    hook.PlaybookID,
		WebhookID:     hook.WebhookID,
		TriggerSource: "webhook:" + hook.WebhookID,
		TriggerData:   normalized,
		ReceivedAt:    started,
	})
	if err != nil {
		in.logger.Error("execution start failed",
			zap.String("webhook_id", hook.WebhookID),
			zap.String("playbook_id", hook.PlaybookID),
			zap.Error(err))
		in.count(hook.WebhookID, "error")
		_ = in.store.RecordDelivery(hook.WebhookID, OutcomeError, in.now().Sub(started))
		writeIngressJSON(w, http.StatusInternalServerError, map[string]any{
			"code":    "INTERNAL_ERROR",
			"message": "execution could not be created",
		})
		return
	}

	in.count(hook.WebhookID, "accepted")
	_ = in.store.RecordDelivery(hook.WebhookID, OutcomeAccepted, in.now().Sub(started))
	if in.auditor != nil {
		in.auditor.Emit(audit.ActionWebhookAccepted, "webhook", hook.WebhookID, "ingress", map[string]any{
			"playbook_id":  hook.PlaybookID,
			"execution_id": executionID,
		})
	}
	if in.bus != nil {
		in.bus.Publish(events.Event{
			Type:        events.WebhookAccepted,
			ExecutionID: executionID,
			PlaybookID:  hook.PlaybookID,
			Summary:     "webhook delivery accepted",
			Timestamp:   in.now(),
		})
	}
	writeIngressJSON(w, http.StatusAccepted, map[string]any{"execution_id": executionID})
}

// bumpWindow advances the webhook's own rate window. On rollover the
// closed window's count decides whether the abuse counter moves.
func (in *Ingress) bumpWindow(hook *Webhook, now time.Time) {
	if hook.MaxRequests <= 0 || hook.TimeWindowSeconds <= 0 {
		return
	}
	window := time.Duration(hook.TimeWindowSeconds) * time.Second

	in.mu.Lock()
	state, ok := in.windows[hook.WebhookID]
	if !ok {
		state = &hookWindow{start: now}
		in.windows[hook.WebhookID] = state
	}
	var closedOver, closedUnder bool
	if now.Sub(state.start) >= window {
		closedOver = state.count > hook.MaxRequests
		closedUnder = !closedOver
		state.start = now
		state.count = 0
	}
	state.count++
	in.mu.Unlock()

	if closedOver {
		suspended, err := in.store.RecordAbuseWindow(hook.WebhookID)
		if err != nil {
			return
		}
		if suspended {
			hook.Status = StatusSuspended
			in.logger.Warn("webhook auto-suspended for sustained abuse", zap.String("webhook_id", hook.WebhookID))
			if in.bus != nil {
				in.bus.Publish(events.Event{
					Type:       events.WebhookSuspended,
					PlaybookID: hook.PlaybookID,
					Summary:    "webhook suspended after sustained abuse",
					Timestamp:  in.now(),
				})
			}
		}
	} else if closedUnder {
		_ = in.store.ClearAbuseWindows(hook.WebhookID)
	}
}

// reject answers a delivery that failed before the webhook record was
// loaded. Metric only, no stats row to update.
func (in *Ingress) reject(w http.ResponseWriter, webhookID string, status int, code, message string, retryAfter time.Duration, result string) {
	in.count(webhookID, result)
	writeRejection(w, status, code, message, retryAfter)
}

// recordRejected answers a delivery that failed after lookup, keeping
// the webhook's delivery counters honest.
func (in *Ingress) recordRejected(hook *Webhook, started time.Time, w http.ResponseWriter, status int, code, message string, retryAfter time.Duration, result string) {
	in.count(hook.WebhookID, result)
	_ = in.store.RecordDelivery(hook.WebhookID, OutcomeRejected, in.now().Sub(started))
	writeRejection(w, status, code, message, retryAfter)
}

func (in *Ingress) count(webhookID, result string) {
	if in.metrics != nil {
		in.metrics.WebhookRequestsTotal.WithLabelValues(webhookID, result).Inc()
	}
}

func writeRejection(w http.ResponseWriter, status int, code, message string, retryAfter time.Duration) {
	body := map[string]any{"code": code, "message": message}
	if retryAfter > 0 {
		seconds := int(retryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		body["retry_after"] = seconds
	}
	writeIngressJSON(w, status, body)
}

func writeIngressJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func peerIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
