// internal/payment/handler.go
package payment

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"memberhub/internal/auth"
	"memberhub/internal/membership"
)

// SignatureHeader carries the gateway's HMAC of the webhook body.
const SignatureHeader = "X-Razorpay-Signature"

const maxWebhookBody = 1 << 20

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the member-facing endpoints behind requireAuth and the
// webhook receiver without it.
func (h *Handler) Routes(requireAuth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/membership/create-order", h.handleCreateOrder)
		r.Post("/membership/verify", h.handleVerify)
		r.Post("/membership/cancel-payment", h.handleCancel)
	})
	r.Post("/webhook", h.handleWebhook)
	return r
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	memberID, ok := auth.MemberIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	var req struct {
		PlanID string `json:"planId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	planID, err := uuid.Parse(req.PlanID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Plan not found")
		return
	}

	res, err := h.service.CreateOrder(r.Context(), memberID, planID)
	if err != nil {
		h.writeServiceError(w, "createOrder", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type verifyRequest struct {
	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpaySignature string `json:"razorpay_signature"`
	OrderID           string `json:"orderId"`
	PaymentID         string `json:"paymentId"`
	Signature         string `json:"signature"`
}

func (v verifyRequest) normalize() VerifyRequest {
	out := VerifyRequest{OrderID: v.RazorpayOrderID, PaymentID: v.RazorpayPaymentID, Signature: v.RazorpaySignature}
	if out.OrderID == "" {
		out.OrderID = v.OrderID
	}
	if out.PaymentID == "" {
		out.PaymentID = v.PaymentID
	}
	if out.Signature == "" {
		out.Signature = v.Signature
	}
	return out
}

type verifyResponse struct {
	Success    bool       `json:"success"`
	Message    string     `json:"message,omitempty"`
	ValidUntil *time.Time `json:"validUntil"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.service.VerifyPayment(r.Context(), req.normalize())
	if err != nil {
		h.writeServiceError(w, "verifyPayment", err)
		return
	}

	resp := verifyResponse{Success: true, ValidUntil: res.ValidUntil}
	if res.AlreadyProcessed {
		resp.Message = "Payment already processed"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	memberID, ok := auth.MemberIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	var req struct {
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if _, err := h.service.CancelPayment(r.Context(), memberID, req.OrderID); err != nil {
		h.writeServiceError(w, "cancelPayment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Payment cancelled (and refunded if captured)",
	})
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unreadable body")
		return
	}

	err = h.service.HandleWebhook(r.Context(), body, r.Header.Get(SignatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, ErrInvalidWebhookSignature):
		writeError(w, http.StatusBadRequest, "Invalid webhook signature")
	case errors.Is(err, ErrInvalidWebhook):
		writeError(w, http.StatusBadRequest, "Invalid webhook payload")
	default:
		writeError(w, http.StatusInternalServerError, "Webhook processing failed")
	}
}

// writeServiceError maps service errors to responses. Gateway and storage
// details are logged, never returned.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var notCaptured *NotCapturedError
	var closed *ClosedError

	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, membership.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, "Plan not found")
	case errors.Is(err, membership.ErrMemberNotFound):
		writeError(w, http.StatusNotFound, "Member not found")
	case errors.Is(err, ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "Too many requests")
	case errors.Is(err, ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, "Invalid payment signature")
	case errors.As(err, &notCaptured):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "Payment not captured",
			"status": notCaptured.Status,
		})
	case errors.Is(err, ErrAmountMismatch):
		writeError(w, http.StatusBadRequest, "Payment amount mismatch")
	case errors.As(err, &closed):
		writeError(w, http.StatusConflict, "Transaction is "+string(closed.Status))
	case errors.Is(err, ErrTransitionConflict):
		writeError(w, http.StatusConflict, "Transaction changed, retry")
	case errors.Is(err, ErrGatewayUnavailable) && op == "verifyPayment":
		h.logger.Error(op+" error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Unable to verify payment")
	default:
		h.logger.Error(op+" error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
