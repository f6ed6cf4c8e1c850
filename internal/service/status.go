package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/cbbpay-system/internal/cbb"
	"github.com/mmeshcher/cbbpay-system/internal/model"
	"github.com/mmeshcher/cbbpay-system/internal/repository"
)

// remoteStatusMap переводит словарь статусов шлюза в локальный.
// Неизвестные значения оставляют локальный статус без изменений: путь сверки
// не должен падать на расширении вендорского перечисления.
var remoteStatusMap = map[string]model.OrderStatus{
	"WAIT_PAY": model.OrderStatusCreated,
	"PAYING":   model.OrderStatusPaying,
	"PAYED":    model.OrderStatusPaid,
	"SUCCESS":  model.OrderStatusPaid,
	"REFUND":   model.OrderStatusRefunded,
	"CLOSED":   model.OrderStatusClosed,
}

// applyRemoteStatus применяет статус шлюза к заказу под пер-заказной
// блокировкой. Конечные статусы не откатываются.
func (s *Service) applyRemoteStatus(ctx context.Context, orderID, remoteStatus string) (*model.Order, error) {
	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	next, ok := remoteStatusMap[remoteStatus]
	if !ok {
		s.logger.Warn("unknown gateway status, keeping local status",
			zap.String("orderID", order.ID),
			zap.String("remoteStatus", remoteStatus),
			zap.String("localStatus", string(order.Status)))
		return order, nil
	}

	if order.Status.IsTerminal() || order.Status == next {
		return order, nil
	}

	order.Status = next
	if err := s.store.Upsert(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// updateTradeNo дописывает заказу номер шлюза, полученный при сверке по
// бизнес-номеру мерчанта.
func (s *Service) updateTradeNo(ctx context.Context, orderID, tradeNo string) error {
	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.TradeNo != "" {
		return nil
	}
	order.TradeNo = tradeNo
	return s.store.Upsert(ctx, order)
}

// Sync запрашивает статус заказа у шлюза и сверяет с ним локальный. Если
// номер шлюза ещё не известен, заказ ищется по бизнес-номеру мерчанта и дате
// создания.
func (s *Service) Sync(ctx context.Context, id string) (*model.Order, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var (
		env  *cbb.Envelope
		data *cbb.TradeData
	)
	if order.TradeNo != "" {
		env, data, err = s.gateway.QueryTrade(ctx, order.TradeNo, false)
	} else {
		env, data, err = s.gateway.QueryTradeByOutTradeNo(ctx, order.OutTradeNo, order.CreatedAt.UTC().Format("2006-01-02"))
	}
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: %s", ErrGatewayDeclined, env.ErrorMsg)
	}

	if order.TradeNo == "" && data.TradeNo != "" {
		if err := s.updateTradeNo(ctx, order.ID, data.TradeNo); err != nil {
			return nil, err
		}
	}

	return s.applyRemoteStatus(ctx, order.ID, data.PayStatus)
}

func (s *Service) findOrder(ctx context.Context, tradeNo, outTradeNo string) (*model.Order, error) {
	order, err := s.store.FindByTradeNo(ctx, tradeNo)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, repository.ErrOrderNotFound) {
		return nil, err
	}
	return s.store.FindByOutTradeNo(ctx, outTradeNo)
}

// ApplyPayCallback применяет уведомление шлюза о результате оплаты.
// Возвращает false без ошибки, если заказ не найден: такие уведомления
// подтверждаются, чтобы шлюз не повторял их бесконечно.
func (s *Service) ApplyPayCallback(ctx context.Context, tradeNo, outTradeNo, status string) (bool, error) {
	order, err := s.findOrder(ctx, tradeNo, outTradeNo)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			s.logger.Info("pay callback for unknown order",
				zap.String("tradeNo", tradeNo),
				zap.String("outTradeNo", outTradeNo))
			return false, nil
		}
		return false, err
	}

	if _, err := s.applyRemoteStatus(ctx, order.ID, status); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyRefundCallback применяет уведомление шлюза о результате возврата.
func (s *Service) ApplyRefundCallback(ctx context.Context, tradeNo, refundStatus string) (bool, error) {
	order, err := s.store.FindByTradeNo(ctx, tradeNo)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			s.logger.Info("refund callback for unknown order", zap.String("tradeNo", tradeNo))
			return false, nil
		}
		return false, err
	}

	if refundStatus != "SUCCESS" {
		s.logger.Warn("refund callback with non-success status",
			zap.String("orderID", order.ID),
			zap.String("refundStatus", refundStatus))
		return true, nil
	}

	if _, err := s.applyRemoteStatus(ctx, order.ID, "REFUND"); err != nil {
		return false, err
	}
	return true, nil
}
