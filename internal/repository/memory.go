package repository

import (
	"context"
	"sync"

	"github.com/mmeshcher/cbbpay-system/internal/model"
)

// MemoryStore хранит заказы в памяти процесса. Используется в демо-режиме,
// когда адрес БД не задан; заказы живут до перезапуска.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*model.Order
	ids    []string
}

// NewMemoryStore создаёт пустое хранилище заказов в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*model.Order),
	}
}

// Close ничего не освобождает: хранилище живёт в памяти процесса.
func (s *MemoryStore) Close() error {
	return nil
}

// Get возвращает копию заказа по локальному идентификатору.
func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// Upsert сохраняет заказ целиком, заменяя предыдущую версию.
func (s *MemoryStore) Upsert(ctx context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.ID]; !ok {
		s.ids = append(s.ids, order.ID)
	}
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

// FindByTradeNo ищет заказ по номеру шлюза.
func (s *MemoryStore) FindByTradeNo(ctx context.Context, tradeNo string) (*model.Order, error) {
	if tradeNo == "" {
		return nil, ErrOrderNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.TradeNo == tradeNo {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOrderNotFound
}

// FindByOutTradeNo ищет заказ по бизнес-номеру мерчанта.
func (s *MemoryStore) FindByOutTradeNo(ctx context.Context, outTradeNo string) (*model.Order, error) {
	if outTradeNo == "" {
		return nil, ErrOrderNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.OutTradeNo == outTradeNo {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOrderNotFound
}

// List возвращает заказы в порядке создания.
func (s *MemoryStore) List(ctx context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]model.Order, 0, len(s.ids))
	for _, id := range s.ids {
		orders = append(orders, *s.orders[id])
	}
	return orders, nil
}
