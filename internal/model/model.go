// Package model содержит доменные сущности сервиса интеграции с платёжным шлюзом CBB.
package model

import "time"

// Credentials содержит учётные данные мерчанта для доступа к шлюзу CBB.
// Значения неизменны в течение жизни процесса; PrivateKey нужен только для
// построения платёжных URL, PublicKey — только для проверки подписи колбэков.
type Credentials struct {
	ClientID     string
	ClientSecret string
	CustomerCode string
	GatewayURL   string
	PrivateKey   string
	PublicKey    string
}

// OrderStatus описывает локальный статус платёжного заказа.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusPaying    OrderStatus = "paying"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusRefunding OrderStatus = "refunding"
	OrderStatusRefunded  OrderStatus = "refunded"
	OrderStatusClosed    OrderStatus = "closed"
)

// IsTerminal сообщает, является ли статус конечным: из refunded и closed
// переходов больше нет.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusRefunded || s == OrderStatusClosed
}

// Order описывает локальный платёжный заказ и его связь с заказом шлюза.
// Amount всегда хранится десятичной строкой, без плавающей точки.
type Order struct {
	ID              string
	TradeNo         string
	OutTradeNo      string
	GoodName        string
	Amount          string
	Status          OrderStatus
	PayURL          string
	RefundRequestNo string
	CreatedAt       time.Time
}
