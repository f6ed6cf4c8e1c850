// Package repository содержит хранилища платёжных заказов.
package repository

import (
	"context"
	"errors"

	"github.com/mmeshcher/cbbpay-system/internal/model"
)

// ErrOrderNotFound возвращается, если заказ отсутствует в хранилище.
var ErrOrderNotFound = errors.New("order not found")

// OrderStore описывает контракт хранилища заказов. Машина состояний зависит
// только от этого узкого интерфейса, поэтому за ним может стоять как карта в
// памяти, так и PostgreSQL.
type OrderStore interface {
	Close() error
	Get(ctx context.Context, id string) (*model.Order, error)
	Upsert(ctx context.Context, order *model.Order) error
	FindByTradeNo(ctx context.Context, tradeNo string) (*model.Order, error)
	FindByOutTradeNo(ctx context.Context, outTradeNo string) (*model.Order, error)
	List(ctx context.Context) ([]model.Order, error)
}
