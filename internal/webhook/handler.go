package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/drewdunne/forgesync/internal/event"
	"github.com/drewdunne/forgesync/internal/repos"
	"github.com/drewdunne/forgesync/internal/store"
)

// maxPayloadBytes matches GitHub's delivery size cap.
const maxPayloadBytes = 25 << 20

// Processor applies a delivery to the repository it was sent for.
type Processor interface {
	ProcessInboundEvent(ctx context.Context, repositoryID string, d Delivery) error
}

// Handler is the HTTP endpoint for webhook deliveries. The repository ID is
// taken from the repositoryID route variable.
type Handler struct {
	processor Processor
	logger    *zap.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(processor Processor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{processor: processor, logger: logger}
}

// DeliveryFromRequest extracts a Delivery from whichever provider headers
// are present.
func DeliveryFromRequest(r *http.Request, body []byte) Delivery {
	h := r.Header
	return Delivery{
		Payload:    body,
		Signature:  firstHeader(h, "X-Hub-Signature-256", "X-Gitlab-Token", "X-Hub-Signature"),
		EventType:  firstHeader(h, "X-GitHub-Event", "X-Gitlab-Event", "X-Event-Key"),
		DeliveryID: firstHeader(h, "X-GitHub-Delivery", "X-Gitlab-Event-UUID", "X-Request-UUID"),
	}
}

func firstHeader(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	repositoryID := mux.Vars(r)["repositoryID"]
	if repositoryID == "" {
		http.Error(w, "missing repository id", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	err = h.processor.ProcessInboundEvent(r.Context(), repositoryID, DeliveryFromRequest(r, body))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrInvalidSignature):
		http.Error(w, "invalid signature", http.StatusUnauthorized)
	case errors.Is(err, event.ErrMalformedPayload):
		http.Error(w, "malformed payload", http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, repos.ErrInactive):
		http.Error(w, "unknown repository", http.StatusNotFound)
	default:
		h.logger.Error("webhook processing failed", zap.String("repository_id", repositoryID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
