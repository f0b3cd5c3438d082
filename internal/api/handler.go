package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/db"
	"github.com/lalithlochan/nimbus-relay/internal/metrics"
	"github.com/lalithlochan/nimbus-relay/internal/queue"
	"github.com/lalithlochan/nimbus-relay/internal/redis"
)

// UserRepository looks up recipients and the channels they accept.
type UserRepository interface {
	GetUser(ctx context.Context, id int64) (*db.User, error)
	GetPreferences(ctx context.Context, userID int64) (*db.NotificationPreference, error)
}

// Publisher enqueues an envelope on a channel's priority sub-queue.
type Publisher interface {
	Publish(ctx context.Context, channel string, priority int, env queue.Envelope) (string, error)
}

// NotificationRequest represents the incoming request body.
// userId and type accept JSON numbers or numeric strings.
type NotificationRequest struct {
	UserID  json.Number `json:"userId"`
	Message string      `json:"message"`
	Type    json.Number `json:"type"`
}

// NotificationResponse is returned once every enabled channel is enqueued
type NotificationResponse struct {
	Message string   `json:"message"`
	ID      string   `json:"id,omitempty"`
	Queues  []string `json:"queues"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	users       UserRepository
	publisher   Publisher
	topology    *queue.Topology
	idempotency *redis.IdempotencyService // nil if idempotency is disabled
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, users UserRepository, publisher Publisher, topology *queue.Topology) *Handler {
	return &Handler{
		logger:    logger,
		users:     users,
		publisher: publisher,
		topology:  topology,
	}
}

// WithIdempotency enables Idempotency-Key handling.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// CreateNotification handles POST /api/notifications.
// It fans the message out to every channel the user has enabled, each on
// the sub-queue matching the requested priority.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userID, err := strconv.ParseInt(req.UserID.String(), 10, 64)
	if err != nil || userID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid userId", "userId must be a positive integer")
		return
	}

	priority, err := strconv.Atoi(req.Type.String())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", "type must be an integer priority level")
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing message", "message is required")
		return
	}

	scope := strconv.FormatInt(userID, 10)
	idempotencyKey := r.Header.Get("Idempotency-Key")
	reserved := false

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, NotificationResponse{
				Message: "Notification sent successfully",
				ID:      cached.EnvelopeID,
				Queues:  cached.Queues,
			})
			return
		} else {
			reserved = true
		}
	}

	// Drop the reservation on any failure so the client can retry with the
	// same key.
	release := func() {
		if !reserved {
			return
		}
		if err := h.idempotency.Release(context.WithoutCancel(ctx), scope, idempotencyKey); err != nil {
			h.logger.Warn("failed to release idempotency key",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	user, err := h.users.GetUser(ctx, userID)
	var prefs *db.NotificationPreference
	if err == nil {
		prefs, err = h.users.GetPreferences(ctx, userID)
	}
	if err != nil {
		release()
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "User or notification preference not found", "")
			return
		}
		h.logger.Error("failed to load user",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load user", "")
		return
	}

	envelopeID, queues, err := h.fanOut(ctx, user, prefs, priority, req.Message)
	if err != nil {
		release()
		if errors.Is(err, queue.ErrInvalidPriority) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", err.Error())
			return
		}
		h.logger.Error("failed to enqueue notification",
			zap.Error(err),
			zap.Int64("user_id", userID),
			zap.Strings("enqueued", queues),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Error while sending notification", "")
		return
	}

	h.logger.Info("notification enqueued",
		zap.String("id", envelopeID),
		zap.Int64("user_id", userID),
		zap.Int("priority", priority),
		zap.Strings("queues", queues),
	)

	if reserved {
		result := &redis.IdempotencyResult{
			EnvelopeID: envelopeID,
			Queues:     queues,
			StatusCode: http.StatusOK,
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusOK, NotificationResponse{
		Message: "Notification sent successfully",
		ID:      envelopeID,
		Queues:  queues,
	})
}

// fanOut publishes one envelope per enabled channel and returns the shared
// envelope ID with the sub-queues written so far.
func (h *Handler) fanOut(ctx context.Context, user *db.User, prefs *db.NotificationPreference, priority int, message string) (string, []string, error) {
	// Resolve every sub-queue before pushing anything so an invalid
	// priority never results in a partial fan-out.
	var targets []db.Destination
	for _, dest := range prefs.Destinations(user) {
		if !h.topology.Has(dest.Channel) {
			h.logger.Warn("channel not configured, skipping",
				zap.String("channel", dest.Channel),
				zap.Int64("user_id", user.ID),
			)
			continue
		}
		if _, err := h.topology.SubQueue(dest.Channel, priority); err != nil {
			return "", nil, err
		}
		targets = append(targets, dest)
	}

	envelopeID := uuid.New().String()
	queues := make([]string, 0, len(targets))

	for _, dest := range targets {
		env := queue.Envelope{ID: envelopeID, To: dest.To, Message: message}
		subQueue, err := h.publisher.Publish(ctx, dest.Channel, priority, env)
		if err != nil {
			return envelopeID, queues, fmt.Errorf("publish to %s: %w", dest.Channel, err)
		}
		metrics.RecordEnvelopePublished(dest.Channel, priority)
		queues = append(queues, subQueue)
	}

	return envelopeID, queues, nil
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
