package cbb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// APIError описывает неуспешный ответ бизнес-API шлюза после не более чем
// одной повторной попытки по 401.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Body)
}

// Envelope представляет стандартный конверт ответа API шлюза.
type Envelope struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data"`
	ErrorMsg string          `json:"errorMsg"`
}

// Client выполняет аутентифицированные запросы к REST API шлюза CBB.
type Client struct {
	baseURL      string
	customerCode string
	tokens       *TokenCache
	httpClient   *retryablehttp.Client
	logger       *zap.Logger
}

// NewHTTPClient создаёт транспорт для запросов к шлюзу: повторяются только
// сетевые сбои, HTTP-статусы никогда — политика единственного повтора по 401
// живёт уровнем выше в Client.
func NewHTTPClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	return c
}

// NewClient создаёт клиент шлюза с указанными учётными данными.
func NewClient(gatewayURL, clientID, clientSecret, customerCode string, logger *zap.Logger) *Client {
	httpClient := NewHTTPClient()
	return &Client{
		baseURL:      strings.TrimRight(gatewayURL, "/"),
		customerCode: customerCode,
		tokens:       NewTokenCache(gatewayURL, clientID, clientSecret, httpClient),
		httpClient:   httpClient,
		logger:       logger,
	}
}

// Tokens возвращает кэш токенов клиента.
func (c *Client) Tokens() *TokenCache {
	return c.tokens
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, query url.Values, token string) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-cbb-client-customer", c.customerCode)
	req.Header.Set("x-cbb-client-type", "api")
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}

// call выполняет запрос к API шлюза. На 401 принудительно обновляет токен и
// повторяет запрос ровно один раз; повторный 401 и любой другой неуспешный
// статус возвращаются как *APIError без дальнейших повторов.
func (c *Client) call(ctx context.Context, method, path string, body []byte, query url.Values) (*Envelope, error) {
	token, err := c.tokens.Token(ctx, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, method, path, body, query, token)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		c.logger.Info("gateway returned 401, refreshing token", zap.String("path", path))
		token, err = c.tokens.Token(ctx, true)
		if err != nil {
			return nil, err
		}

		resp, err = c.do(ctx, method, path, body, query, token)
		if err != nil {
			return nil, fmt.Errorf("do request after refresh: %w", err)
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &env, nil
}

// CreateTradeRequest описывает запрос на создание заказа в шлюзе.
type CreateTradeRequest struct {
	GoodName       string `json:"goodName"`
	TotalNumber    string `json:"totalNumber"`
	OutTradeNo     string `json:"outTradeNo"`
	ExpireTime     string `json:"expireTime"`
	BusinessParams string `json:"businessParams,omitempty"`
}

// CreateTradeData содержит данные ответа на создание заказа.
type CreateTradeData struct {
	TradeNo string `json:"tradeNo"`
}

// CreateTrade создаёт заказ в шлюзе и возвращает конверт ответа вместе с
// разобранными данными.
func (c *Client) CreateTrade(ctx context.Context, req CreateTradeRequest) (*Envelope, *CreateTradeData, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	env, err := c.call(ctx, http.MethodPost, "/api/v2/pay/trade", body, nil)
	if err != nil {
		return nil, nil, err
	}
	if !env.Success {
		return env, nil, nil
	}

	var data CreateTradeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, nil, fmt.Errorf("decode trade data: %w", err)
	}
	return env, &data, nil
}

// TradeData содержит статус заказа по данным шлюза.
type TradeData struct {
	TradeNo    string `json:"tradeNo"`
	OutTradeNo string `json:"outTradeNo"`
	PayStatus  string `json:"payStatus"`
	TotalDue   string `json:"totalDue"`
}

// QueryTrade запрашивает заказ по номеру шлюза; includeThird добавляет в ответ
// данные стороннего платёжного канала.
func (c *Client) QueryTrade(ctx context.Context, tradeNo string, includeThird bool) (*Envelope, *TradeData, error) {
	var query url.Values
	if includeThird {
		query = url.Values{"includeThirdPayData": []string{"true"}}
	}

	env, err := c.call(ctx, http.MethodGet, "/api/v2/pay/trade/"+tradeNo, nil, query)
	if err != nil {
		return nil, nil, err
	}
	if !env.Success {
		return env, nil, nil
	}

	var data TradeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, nil, fmt.Errorf("decode trade data: %w", err)
	}
	return env, &data, nil
}

// QueryTradeByOutTradeNo запрашивает заказ по бизнес-номеру мерчанта и дате
// создания (формат YYYY-MM-DD).
func (c *Client) QueryTradeByOutTradeNo(ctx context.Context, outTradeNo, createDate string) (*Envelope, *TradeData, error) {
	body, err := json.Marshal(map[string]string{
		"outTradeNo": outTradeNo,
		"createDate": createDate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	env, err := c.call(ctx, http.MethodPost, "/api/v2/pay/trade/outTradeNo", body, nil)
	if err != nil {
		return nil, nil, err
	}
	if !env.Success {
		return env, nil, nil
	}

	var data TradeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, nil, fmt.Errorf("decode trade data: %w", err)
	}
	return env, &data, nil
}

// RefundRequest описывает заявку на возврат средств.
type RefundRequest struct {
	TradeNo      string `json:"tradeNo"`
	RefundAmount string `json:"refundAmount"`
	OutRequestNo string `json:"outRequestNo"`
	RefundReason string `json:"refundReason"`
}

// ApplyRefund подаёт заявку на возврат.
func (c *Client) ApplyRefund(ctx context.Context, req RefundRequest) (*Envelope, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.call(ctx, http.MethodPost, "/api/v2/pay/refund/apply", body, nil)
}

// QueryRefund запрашивает результат возврата по номеру заказа и номеру заявки.
func (c *Client) QueryRefund(ctx context.Context, tradeNo, outRequestNo string) (*Envelope, error) {
	return c.call(ctx, http.MethodGet, "/api/v2/pay/refund/query/"+tradeNo+"/"+outRequestNo, nil, nil)
}

// QRCodeData содержит содержимое платёжного QR-кода.
type QRCodeData struct {
	QRCode string `json:"qrCode"`
}

// QRCode запрашивает содержимое QR-кода для оплаты через указанный сторонний
// канал (например WE_CHAT или ALI_PAY).
func (c *Client) QRCode(ctx context.Context, payThird, tradeNo string) (*Envelope, *QRCodeData, error) {
	env, err := c.call(ctx, http.MethodGet, "/api/v2/pay/trade/qrCode/"+payThird+"/"+tradeNo, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	if !env.Success {
		return env, nil, nil
	}

	var data QRCodeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, nil, fmt.Errorf("decode qr data: %w", err)
	}
	return env, &data, nil
}

// Channels запрашивает список платёжных каналов для указанного окружения.
func (c *Client) Channels(ctx context.Context, environment string) (*Envelope, error) {
	return c.call(ctx, http.MethodGet, "/api/v2/pay/trade/channel/"+environment, nil, nil)
}
