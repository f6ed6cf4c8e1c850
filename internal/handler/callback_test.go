package handler

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/cbbpay-system/internal/cbb"
	"github.com/mmeshcher/cbbpay-system/internal/model"
	"github.com/mmeshcher/cbbpay-system/internal/repository"
	"github.com/mmeshcher/cbbpay-system/internal/service"
	"github.com/mmeshcher/cbbpay-system/internal/sign"
)

func genKeyPair(t *testing.T) (string, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(privDER), base64.StdEncoding.EncodeToString(pubDER)
}

func signedForm(t *testing.T, privateKey string, params map[string]string) url.Values {
	t.Helper()

	signature, err := sign.Sign(params, privateKey)
	if err != nil {
		t.Fatalf("sign callback params: %v", err)
	}

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("sign", signature)
	return form
}

func postCallback(router http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPayCallbackAccepted(t *testing.T) {
	priv, pub := genKeyPair(t)
	svc := &stubService{payCallbackMatched: true}
	h := newTestHandler(t, svc, pub)
	router := h.SetupRouter()

	form := signedForm(t, priv, map[string]string{
		"tradeNo":    "CBB1",
		"outTradeNo": "demo_1",
		"status":     "SUCCESS",
		"amount":     "0.01",
	})

	rec := postCallback(router, "/callback/pay", form)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body != "SUCCESS" {
		t.Fatalf("body = %q, want SUCCESS", body)
	}
}

func TestPayCallbackBadSignature(t *testing.T) {
	priv, pub := genKeyPair(t)
	svc := &stubService{payCallbackMatched: true}
	h := newTestHandler(t, svc, pub)
	router := h.SetupRouter()

	form := signedForm(t, priv, map[string]string{
		"tradeNo":    "CBB1",
		"outTradeNo": "demo_1",
		"status":     "SUCCESS",
	})
	// Искажение одного символа подписи.
	sig := form.Get("sign")
	if sig[0] == 'A' {
		form.Set("sign", "B"+sig[1:])
	} else {
		form.Set("sign", "A"+sig[1:])
	}

	rec := postCallback(router, "/callback/pay", form)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := rec.Body.String(); body != "FAIL" {
		t.Fatalf("body = %q, want FAIL", body)
	}
}

func TestPayCallbackUnknownOrderStillAccepted(t *testing.T) {
	priv, pub := genKeyPair(t)
	svc := &stubService{payCallbackMatched: false}
	h := newTestHandler(t, svc, pub)
	router := h.SetupRouter()

	form := signedForm(t, priv, map[string]string{
		"tradeNo":    "unknown",
		"outTradeNo": "unknown",
		"status":     "SUCCESS",
	})

	rec := postCallback(router, "/callback/pay", form)

	if rec.Code != http.StatusOK || rec.Body.String() != "SUCCESS" {
		t.Fatalf("unknown order must still be acknowledged, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestPayCallbackInternalError(t *testing.T) {
	priv, pub := genKeyPair(t)
	svc := &stubService{payCallbackErr: context.DeadlineExceeded}
	h := newTestHandler(t, svc, pub)
	router := h.SetupRouter()

	form := signedForm(t, priv, map[string]string{
		"tradeNo": "CBB1",
		"status":  "SUCCESS",
	})

	rec := postCallback(router, "/callback/pay", form)

	if rec.Code != http.StatusInternalServerError || rec.Body.String() != "FAIL" {
		t.Fatalf("internal error must answer 500 FAIL, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRefundCallbackAccepted(t *testing.T) {
	priv, pub := genKeyPair(t)
	svc := &stubService{refundCallbackMatched: true}
	h := newTestHandler(t, svc, pub)
	router := h.SetupRouter()

	form := signedForm(t, priv, map[string]string{
		"tradeNo":      "CBB1",
		"refundStatus": "SUCCESS",
	})

	rec := postCallback(router, "/callback/refund", form)

	if rec.Code != http.StatusOK || rec.Body.String() != "SUCCESS" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

// e2eGateway — шлюз для сквозного сценария: создание заказа и возврат всегда
// успешны, сетевых вызовов нет.
type e2eGateway struct {
	tradeNo string
}

func (g *e2eGateway) CreateTrade(ctx context.Context, req cbb.CreateTradeRequest) (*cbb.Envelope, *cbb.CreateTradeData, error) {
	return &cbb.Envelope{Success: true}, &cbb.CreateTradeData{TradeNo: g.tradeNo}, nil
}

func (g *e2eGateway) QueryTrade(ctx context.Context, tradeNo string, includeThird bool) (*cbb.Envelope, *cbb.TradeData, error) {
	return &cbb.Envelope{Success: true}, &cbb.TradeData{TradeNo: g.tradeNo, PayStatus: "PAYED"}, nil
}

func (g *e2eGateway) QueryTradeByOutTradeNo(ctx context.Context, outTradeNo, createDate string) (*cbb.Envelope, *cbb.TradeData, error) {
	return &cbb.Envelope{Success: true}, &cbb.TradeData{TradeNo: g.tradeNo, PayStatus: "PAYED"}, nil
}

func (g *e2eGateway) ApplyRefund(ctx context.Context, req cbb.RefundRequest) (*cbb.Envelope, error) {
	return &cbb.Envelope{Success: true}, nil
}

func (g *e2eGateway) QueryRefund(ctx context.Context, tradeNo, outRequestNo string) (*cbb.Envelope, error) {
	return &cbb.Envelope{Success: true}, nil
}

func (g *e2eGateway) QRCode(ctx context.Context, payThird, tradeNo string) (*cbb.Envelope, *cbb.QRCodeData, error) {
	return &cbb.Envelope{Success: true}, &cbb.QRCodeData{QRCode: "weixin://wxpay/bizpayurl?pr=e2e"}, nil
}

func (g *e2eGateway) Channels(ctx context.Context, environment string) (*cbb.Envelope, error) {
	return &cbb.Envelope{Success: true}, nil
}

func jsonDecode(rec *httptest.ResponseRecorder, v any) error {
	return json.NewDecoder(rec.Body).Decode(v)
}

func TestEndToEndOrderLifecycle(t *testing.T) {
	priv, pub := genKeyPair(t)

	gw := &e2eGateway{tradeNo: "CBB20240001"}
	store := repository.NewMemoryStore()
	creds := model.Credentials{
		ClientID:     "demo-client",
		ClientSecret: "secret",
		CustomerCode: "customer-1",
		GatewayURL:   "https://pay.example.com",
		PrivateKey:   priv,
		PublicKey:    pub,
	}
	svc := service.NewService(store, gw, creds, zap.NewNop())
	h := NewHandler(svc, zap.NewNop(), pub, "http://localhost:8080")
	router := h.SetupRouter()

	// 1. Создание заказа.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/orders",
		strings.NewReader(`{"good_name":"кофе","amount":"0.01","out_trade_no":"demo_1"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: status %d: %s", rec.Code, rec.Body.String())
	}
	var created orderResponse
	if err := jsonDecode(rec, &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Status != "created" {
		t.Fatalf("status after create = %s, want created", created.Status)
	}

	// 2. Запрос платёжной ссылки: статус paying, sign — последний параметр.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/orders/"+created.OrderID+"/pay", strings.NewReader(`{"pay_type":"pc"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("pay: status %d: %s", rec.Code, rec.Body.String())
	}
	var payResp map[string]string
	if err := jsonDecode(rec, &payResp); err != nil {
		t.Fatalf("decode pay response: %v", err)
	}
	payURL := payResp["pay_url"]
	if !strings.Contains(payURL, "/page/v2/pay/trade/pc/toPay?") {
		t.Fatalf("unexpected pay url: %s", payURL)
	}
	query := payURL[strings.Index(payURL, "?")+1:]
	parts := strings.Split(query, "&")
	if !strings.HasPrefix(parts[len(parts)-1], "sign=") {
		t.Fatalf("sign must be the last pay url parameter: %s", query)
	}

	order, err := svc.GetOrder(context.Background(), created.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != model.OrderStatusPaying {
		t.Fatalf("status after pay = %s, want paying", order.Status)
	}

	// 3. Колбэк об успешной оплате: статус paid.
	form := signedForm(t, priv, map[string]string{
		"tradeNo":    "CBB20240001",
		"outTradeNo": "demo_1",
		"status":     "SUCCESS",
		"amount":     "0.01",
	})
	rec = postCallback(router, "/callback/pay", form)
	if rec.Code != http.StatusOK || rec.Body.String() != "SUCCESS" {
		t.Fatalf("pay callback: %d %q", rec.Code, rec.Body.String())
	}

	order, _ = svc.GetOrder(context.Background(), created.OrderID)
	if order.Status != model.OrderStatusPaid {
		t.Fatalf("status after pay callback = %s, want paid", order.Status)
	}

	// 4. Заявка на возврат: статус refunding.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/orders/"+created.OrderID+"/refund",
		strings.NewReader(`{"refund_amount":"0.01","refund_reason":"тест"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("refund: status %d: %s", rec.Code, rec.Body.String())
	}

	order, _ = svc.GetOrder(context.Background(), created.OrderID)
	if order.Status != model.OrderStatusRefunding {
		t.Fatalf("status after refund = %s, want refunding", order.Status)
	}

	// 5. Колбэк об успешном возврате: статус refunded.
	form = signedForm(t, priv, map[string]string{
		"tradeNo":      "CBB20240001",
		"refundStatus": "SUCCESS",
	})
	rec = postCallback(router, "/callback/refund", form)
	if rec.Code != http.StatusOK || rec.Body.String() != "SUCCESS" {
		t.Fatalf("refund callback: %d %q", rec.Code, rec.Body.String())
	}

	order, _ = svc.GetOrder(context.Background(), created.OrderID)
	if order.Status != model.OrderStatusRefunded {
		t.Fatalf("status after refund callback = %s, want refunded", order.Status)
	}
}

func TestEndToEndTamperedCallbackLeavesStateUnchanged(t *testing.T) {
	priv, pub := genKeyPair(t)

	gw := &e2eGateway{tradeNo: "CBB20240002"}
	svc := service.NewService(repository.NewMemoryStore(), gw, model.Credentials{
		ClientID:   "demo-client",
		GatewayURL: "https://pay.example.com",
		PrivateKey: priv,
		PublicKey:  pub,
	}, zap.NewNop())
	h := NewHandler(svc, zap.NewNop(), pub, "http://localhost:8080")
	router := h.SetupRouter()

	order, err := svc.CreateOrder(context.Background(), "кофе", "0.01", "demo_2")
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	form := signedForm(t, priv, map[string]string{
		"tradeNo":    "CBB20240002",
		"outTradeNo": "demo_2",
		"status":     "SUCCESS",
	})
	sig := form.Get("sign")
	if sig[0] == 'A' {
		form.Set("sign", "B"+sig[1:])
	} else {
		form.Set("sign", "A"+sig[1:])
	}

	rec := postCallback(router, "/callback/pay", form)
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "FAIL" {
		t.Fatalf("tampered callback: %d %q", rec.Code, rec.Body.String())
	}

	stored, _ := svc.GetOrder(context.Background(), order.ID)
	if stored.Status != model.OrderStatusCreated {
		t.Fatalf("tampered callback must not change status, got %s", stored.Status)
	}
}
