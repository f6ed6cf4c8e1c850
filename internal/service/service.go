// Package service реализует машину состояний платёжных заказов.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cbbpay-system/internal/cbb"
	"github.com/mmeshcher/cbbpay-system/internal/model"
	"github.com/mmeshcher/cbbpay-system/internal/repository"
	"github.com/mmeshcher/cbbpay-system/internal/sign"
)

var (
	// ErrInvalidTransition возвращается, если операция недопустима из текущего
	// статуса заказа.
	ErrInvalidTransition = errors.New("operation not allowed in current order status")
	// ErrOrderNotReady возвращается, если заказ ещё не подтверждён шлюзом.
	ErrOrderNotReady = errors.New("order has no gateway trade number")
	// ErrGatewayDeclined возвращается, если шлюз ответил success=false.
	ErrGatewayDeclined = errors.New("gateway declined request")
	// ErrInvalidAmount возвращается при недопустимой денежной сумме.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Срок жизни неоплаченного заказа в шлюзе.
const tradeExpiry = 2 * time.Hour

// Gateway описывает контракт клиента шлюза, используемый сервисом.
type Gateway interface {
	CreateTrade(ctx context.Context, req cbb.CreateTradeRequest) (*cbb.Envelope, *cbb.CreateTradeData, error)
	QueryTrade(ctx context.Context, tradeNo string, includeThird bool) (*cbb.Envelope, *cbb.TradeData, error)
	QueryTradeByOutTradeNo(ctx context.Context, outTradeNo, createDate string) (*cbb.Envelope, *cbb.TradeData, error)
	ApplyRefund(ctx context.Context, req cbb.RefundRequest) (*cbb.Envelope, error)
	QueryRefund(ctx context.Context, tradeNo, outRequestNo string) (*cbb.Envelope, error)
	QRCode(ctx context.Context, payThird, tradeNo string) (*cbb.Envelope, *cbb.QRCodeData, error)
	Channels(ctx context.Context, environment string) (*cbb.Envelope, error)
}

// Service владеет жизненным циклом заказов: создание, платёжные URL, возвраты
// и сверка локального статуса со статусом шлюза.
type Service struct {
	store   repository.OrderStore
	gateway Gateway
	creds   model.Credentials
	logger  *zap.Logger

	// Мутации одного заказа сериализуются: более старая запись статуса не
	// должна затереть более новую, пришедшую конкурентным колбэком.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService создаёт сервис заказов.
func NewService(store repository.OrderStore, gateway Gateway, creds model.Credentials, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		creds:   creds,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Service) orderLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// validateAmount проверяет, что сумма — положительное десятичное число с не
// более чем двумя знаками после запятой. Суммы никогда не проходят через
// плавающую точку.
func validateAmount(amount string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if d.Exponent() < -2 {
		return decimal.Decimal{}, fmt.Errorf("%w: more than two decimal places", ErrInvalidAmount)
	}
	return d, nil
}

// CreateOrder создаёт заказ в шлюзе и сохраняет локальную запись в статусе
// created. Пустой outTradeNo генерируется автоматически.
func (s *Service) CreateOrder(ctx context.Context, goodName, amount, outTradeNo string) (*model.Order, error) {
	if goodName == "" {
		return nil, errors.New("good name is required")
	}
	if _, err := validateAmount(amount); err != nil {
		return nil, err
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if outTradeNo == "" {
		outTradeNo = fmt.Sprintf("demo_%d_%s", time.Now().Unix(), id)
	}

	expireTime := time.Now().UTC().Add(tradeExpiry).Format("2006-01-02T15:04:05Z")

	env, data, err := s.gateway.CreateTrade(ctx, cbb.CreateTradeRequest{
		GoodName:    goodName,
		TotalNumber: amount,
		OutTradeNo:  outTradeNo,
		ExpireTime:  expireTime,
	})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: %s", ErrGatewayDeclined, env.ErrorMsg)
	}

	order := &model.Order{
		ID:         id,
		TradeNo:    data.TradeNo,
		OutTradeNo: outTradeNo,
		GoodName:   goodName,
		Amount:     amount,
		Status:     model.OrderStatusCreated,
		CreatedAt:  time.Now(),
	}

	if err := s.store.Upsert(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrder возвращает заказ по локальному идентификатору.
func (s *Service) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.store.Get(ctx, id)
}

// ListOrders возвращает все заказы.
func (s *Service) ListOrders(ctx context.Context) ([]model.Order, error) {
	return s.store.List(ctx)
}

// PayURL строит подписанный URL платёжной страницы и переводит заказ в
// статус paying. payType — pc или wap.
func (s *Service) PayURL(ctx context.Context, id, payType, turnURL, quitURL string) (*model.Order, error) {
	if s.creds.PrivateKey == "" {
		return nil, fmt.Errorf("%w: private key is not configured", sign.ErrKeyFormat)
	}

	lock := s.orderLock(id)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.TradeNo == "" {
		return nil, ErrOrderNotReady
	}
	// Повторный запрос ссылки из paying допустим: пользователь мог закрыть
	// страницу оплаты.
	if order.Status != model.OrderStatusCreated && order.Status != model.OrderStatusPaying {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, order.Status)
	}

	params := map[string]string{
		"client_id": s.creds.ClientID,
		"tradeNo":   order.TradeNo,
	}
	if turnURL != "" {
		params["turnUrl"] = turnURL
	}

	path := "/page/v2/pay/trade/pc/toPay"
	if payType == "wap" {
		path = "/page/v2/pay/trade/wap/toPay"
		if quitURL != "" {
			params["quitUrl"] = quitURL
		}
	}

	payURL, err := sign.BuildPageURL(s.creds.GatewayURL, path, params, s.creds.PrivateKey)
	if err != nil {
		return nil, err
	}

	order.Status = model.OrderStatusPaying
	order.PayURL = payURL
	if err := s.store.Upsert(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// Refund подаёт заявку на возврат. Допустим только из статуса paid; сумма
// возврата не может превышать сумму заказа.
func (s *Service) Refund(ctx context.Context, id, amount, reason string) (*model.Order, error) {
	refundAmount, err := validateAmount(amount)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "customer requested refund"
	}

	lock := s.orderLock(id)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderStatusPaid {
		return nil, fmt.Errorf("%w: refund from %s", ErrInvalidTransition, order.Status)
	}

	orderAmount, err := decimal.NewFromString(order.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: stored amount %q", ErrInvalidAmount, order.Amount)
	}
	if refundAmount.GreaterThan(orderAmount) {
		return nil, fmt.Errorf("%w: refund %s exceeds order amount %s", ErrInvalidAmount, amount, order.Amount)
	}

	outRequestNo := fmt.Sprintf("refund_%d_%s", time.Now().Unix(), order.ID)

	env, err := s.gateway.ApplyRefund(ctx, cbb.RefundRequest{
		TradeNo:      order.TradeNo,
		RefundAmount: amount,
		OutRequestNo: outRequestNo,
		RefundReason: reason,
	})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: %s", ErrGatewayDeclined, env.ErrorMsg)
	}

	order.Status = model.OrderStatusRefunding
	order.RefundRequestNo = outRequestNo
	if err := s.store.Upsert(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// RefundStatus запрашивает у шлюза результат ранее поданного возврата.
func (s *Service) RefundStatus(ctx context.Context, id string) (json.RawMessage, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.TradeNo == "" || order.RefundRequestNo == "" {
		return nil, ErrOrderNotReady
	}

	env, err := s.gateway.QueryRefund(ctx, order.TradeNo, order.RefundRequestNo)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: %s", ErrGatewayDeclined, env.ErrorMsg)
	}
	return env.Data, nil
}

// QRCode возвращает содержимое платёжного QR-кода для указанного стороннего
// канала.
func (s *Service) QRCode(ctx context.Context, id, payThird string) (string, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if order.TradeNo == "" {
		return "", ErrOrderNotReady
	}
	if payThird == "" {
		payThird = "WE_CHAT"
	}

	env, data, err := s.gateway.QRCode(ctx, payThird, order.TradeNo)
	if err != nil {
		return "", err
	}
	if !env.Success {
		return "", fmt.Errorf("%w: %s", ErrGatewayDeclined, env.ErrorMsg)
	}
	return data.QRCode, nil
}

// Channels возвращает список платёжных каналов шлюза для окружения.
func (s *Service) Channels(ctx context.Context, environment string) (json.RawMessage, error) {
	env, err := s.gateway.Channels(ctx, environment)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: %s", ErrGatewayDeclined, env.ErrorMsg)
	}
	return env.Data, nil
}
