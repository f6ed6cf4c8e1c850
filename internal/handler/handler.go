// Package handler содержит HTTP-обработчики merchant API и колбэков шлюза.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/mmeshcher/cbbpay-system/internal/model"
	"github.com/mmeshcher/cbbpay-system/internal/repository"
	"github.com/mmeshcher/cbbpay-system/internal/service"
	"github.com/mmeshcher/cbbpay-system/internal/sign"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, goodName, amount, outTradeNo string) (*model.Order, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrders(ctx context.Context) ([]model.Order, error)
	PayURL(ctx context.Context, id, payType, turnURL, quitURL string) (*model.Order, error)
	Refund(ctx context.Context, id, amount, reason string) (*model.Order, error)
	RefundStatus(ctx context.Context, id string) (json.RawMessage, error)
	Sync(ctx context.Context, id string) (*model.Order, error)
	QRCode(ctx context.Context, id, payThird string) (string, error)
	Channels(ctx context.Context, environment string) (json.RawMessage, error)
	ApplyPayCallback(ctx context.Context, tradeNo, outTradeNo, status string) (bool, error)
	ApplyRefundCallback(ctx context.Context, tradeNo, refundStatus string) (bool, error)
}

// Handler реализует HTTP-обработчики сервиса.
type Handler struct {
	service         Service
	logger          *zap.Logger
	publicKey       string
	callbackBaseURL string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, publicKey, callbackBaseURL string) *Handler {
	return &Handler{
		service:         s,
		logger:          logger,
		publicKey:       publicKey,
		callbackBaseURL: callbackBaseURL,
	}
}

type orderResponse struct {
	OrderID         string `json:"order_id"`
	TradeNo         string `json:"trade_no,omitempty"`
	OutTradeNo      string `json:"out_trade_no"`
	GoodName        string `json:"good_name"`
	Amount          string `json:"amount"`
	Status          string `json:"status"`
	PayURL          string `json:"pay_url,omitempty"`
	RefundRequestNo string `json:"refund_request_no,omitempty"`
	CreatedAt       string `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		OrderID:         o.ID,
		TradeNo:         o.TradeNo,
		OutTradeNo:      o.OutTradeNo,
		GoodName:        o.GoodName,
		Amount:          o.Amount,
		Status:          string(o.Status),
		PayURL:          o.PayURL,
		RefundRequestNo: o.RefundRequestNo,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

// writeServiceError переводит ошибки бизнес-логики в HTTP-статусы.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrOrderNotReady),
		errors.Is(err, service.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrGatewayDeclined):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, sign.ErrKeyFormat):
		h.logger.Error("key configuration error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	default:
		h.logger.Error("service error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	}
}

type createOrderRequest struct {
	GoodName   string `json:"good_name"`
	Amount     string `json:"amount"`
	OutTradeNo string `json:"out_trade_no"`
}

// CreateOrder создаёт новый заказ.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.GoodName == "" || req.Amount == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), req.GoodName, req.Amount, req.OutTradeNo)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// GetOrder возвращает заказ по локальному идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// ListOrders возвращает список всех заказов.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListOrders(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type payRequest struct {
	PayType string `json:"pay_type"`
	TurnURL string `json:"turn_url"`
	QuitURL string `json:"quit_url"`
}

func (h *Handler) buildPayURL(r *http.Request) (*model.Order, error) {
	req := payRequest{PayType: "pc"}

	if r.Method == http.MethodPost && r.Body != nil {
		// Тело необязательно: пустое тело означает параметры по умолчанию.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if v := r.URL.Query().Get("pay_type"); v != "" {
		req.PayType = v
	}
	if v := r.URL.Query().Get("turn_url"); v != "" {
		req.TurnURL = v
	}
	if req.PayType == "" {
		req.PayType = "pc"
	}

	orderID := chi.URLParam(r, "orderID")
	if req.TurnURL == "" {
		req.TurnURL = h.callbackBaseURL + "/pages/result?order_id=" + orderID
	}

	return h.service.PayURL(r.Context(), orderID, req.PayType, req.TurnURL, req.QuitURL)
}

// Pay строит подписанный URL платёжной страницы и возвращает его в JSON.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	order, err := h.buildPayURL(r)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"order_id": order.ID,
		"pay_url":  order.PayURL,
	})
}

// PayRedirect строит платёжный URL и сразу перенаправляет на него.
func (h *Handler) PayRedirect(w http.ResponseWriter, r *http.Request) {
	order, err := h.buildPayURL(r)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	http.Redirect(w, r, order.PayURL, http.StatusTemporaryRedirect)
}

type refundRequest struct {
	RefundAmount string `json:"refund_amount"`
	RefundReason string `json:"refund_reason"`
}

// Refund подаёт заявку на возврат средств по заказу.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.RefundAmount == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.Refund(r.Context(), chi.URLParam(r, "orderID"), req.RefundAmount, req.RefundReason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"order_id":          order.ID,
		"status":            string(order.Status),
		"refund_request_no": order.RefundRequestNo,
	})
}

// RefundStatus возвращает результат возврата по данным шлюза.
func (h *Handler) RefundStatus(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.RefundStatus(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Sync сверяет локальный статус заказа со статусом шлюза.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.Sync(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// QRCode отдаёт PNG с платёжным QR-кодом заказа.
func (h *Handler) QRCode(w http.ResponseWriter, r *http.Request) {
	content, err := h.service.QRCode(r.Context(), chi.URLParam(r, "orderID"), r.URL.Query().Get("payThird"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		h.logger.Error("encode qr code", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// Channels возвращает список платёжных каналов шлюза.
func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.Channels(r.Context(), chi.URLParam(r, "environment"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Health отвечает на проверку работоспособности.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
