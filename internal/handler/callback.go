package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/cbbpay-system/internal/sign"
)

// Ответы колбэков — простой текст: SUCCESS останавливает повторные
// уведомления шлюза, FAIL заставляет его повторить позже.
const (
	callbackAccepted = "SUCCESS"
	callbackRejected = "FAIL"
)

func writeCallbackResult(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// verifyCallbackForm разбирает форму запроса и проверяет подпись шлюза.
// Непроверенный колбэк не обрабатывается даже частично.
func (h *Handler) verifyCallbackForm(r *http.Request) (map[string]string, bool, error) {
	if err := r.ParseForm(); err != nil {
		return nil, false, err
	}

	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}

	if h.publicKey == "" {
		return nil, false, sign.ErrKeyFormat
	}

	ok, err := sign.VerifyCallback(params, h.publicKey)
	if err != nil {
		return nil, false, err
	}
	return params, ok, nil
}

// PayCallback принимает уведомление шлюза о результате оплаты.
func (h *Handler) PayCallback(w http.ResponseWriter, r *http.Request) {
	params, ok, err := h.verifyCallbackForm(r)
	if err != nil {
		h.logger.Error("pay callback verification error", zap.Error(err))
		writeCallbackResult(w, http.StatusInternalServerError, callbackRejected)
		return
	}
	if !ok {
		h.logger.Warn("pay callback signature mismatch",
			zap.String("tradeNo", params["tradeNo"]))
		writeCallbackResult(w, http.StatusBadRequest, callbackRejected)
		return
	}

	matched, err := h.service.ApplyPayCallback(r.Context(),
		params["tradeNo"], params["outTradeNo"], params["status"])
	if err != nil {
		h.logger.Error("pay callback processing error", zap.Error(err))
		writeCallbackResult(w, http.StatusInternalServerError, callbackRejected)
		return
	}

	if !matched {
		// Заказ неизвестен этому экземпляру, но шлюзу нет смысла повторять.
		h.logger.Info("pay callback acknowledged without local order",
			zap.String("tradeNo", params["tradeNo"]))
	}
	writeCallbackResult(w, http.StatusOK, callbackAccepted)
}

// RefundCallback принимает уведомление шлюза о результате возврата.
func (h *Handler) RefundCallback(w http.ResponseWriter, r *http.Request) {
	params, ok, err := h.verifyCallbackForm(r)
	if err != nil {
		h.logger.Error("refund callback verification error", zap.Error(err))
		writeCallbackResult(w, http.StatusInternalServerError, callbackRejected)
		return
	}
	if !ok {
		h.logger.Warn("refund callback signature mismatch",
			zap.String("tradeNo", params["tradeNo"]))
		writeCallbackResult(w, http.StatusBadRequest, callbackRejected)
		return
	}

	if _, err := h.service.ApplyRefundCallback(r.Context(),
		params["tradeNo"], params["refundStatus"]); err != nil {
		h.logger.Error("refund callback processing error", zap.Error(err))
		writeCallbackResult(w, http.StatusInternalServerError, callbackRejected)
		return
	}

	writeCallbackResult(w, http.StatusOK, callbackAccepted)
}
