// Package cbb предоставляет клиент REST API платёжного шлюза CBB.
package cbb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/singleflight"
)

// ErrAuth возвращается, если запрос OAuth-токена завершился неуспешным
// статусом или ответ не содержит access_token.
var ErrAuth = errors.New("gateway auth failed")

// Запас до истечения токена: обновляемся заранее, чтобы не отправить
// запрос с токеном, который истечёт в полёте.
const tokenSafetyMargin = 300 * time.Second

type accessToken struct {
	value     string
	expiresAt time.Time
}

func (t *accessToken) valid(now time.Time) bool {
	return t != nil && t.value != "" && now.Before(t.expiresAt)
}

// TokenCache кэширует OAuth-токен шлюза и обновляет его по истечении срока
// или по требованию. Чтение действующего токена не блокируется обновлением,
// одновременные обновления схлопываются в один сетевой вызов.
type TokenCache struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *retryablehttp.Client

	mu    sync.RWMutex
	token *accessToken
	group singleflight.Group
}

// NewTokenCache создаёт кэш токенов для указанного шлюза.
func NewTokenCache(gatewayURL, clientID, clientSecret string, httpClient *retryablehttp.Client) *TokenCache {
	return &TokenCache{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     strings.TrimRight(gatewayURL, "/") + "/auth/v2/security/oauth/token",
		httpClient:   httpClient,
	}
}

// Token возвращает действующий токен доступа. При force или истечении срока
// выполняется ровно одно обновление на всех конкурентных вызывающих.
func (c *TokenCache) Token(ctx context.Context, force bool) (string, error) {
	if !force {
		c.mu.RLock()
		t := c.token
		c.mu.RUnlock()
		if t.valid(time.Now()) {
			return t.value, nil
		}
	}

	value, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		// Пока вызов ждал своей очереди, токен мог обновить другой поток.
		if !force {
			c.mu.RLock()
			t := c.token
			c.mu.RUnlock()
			if t.valid(time.Now()) {
				return t.value, nil
			}
		}
		return c.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrAuth, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %s", ErrAuth, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrAuth, resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("%w: decode response: %s", ErrAuth, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: response without access_token", ErrAuth)
	}

	issued := time.Now()
	c.mu.Lock()
	c.token = &accessToken{
		value:     tr.AccessToken,
		expiresAt: issued.Add(time.Duration(tr.ExpiresIn)*time.Second - tokenSafetyMargin),
	}
	c.mu.Unlock()

	return tr.AccessToken, nil
}
