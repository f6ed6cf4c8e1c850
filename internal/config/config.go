// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mmeshcher/cbbpay-system/internal/model"
)

// Config содержит параметры конфигурации сервиса интеграции с шлюзом CBB.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	GatewayURL      string `env:"CBB_GATEWAY_URL"`
	ClientID        string `env:"CBB_CLIENT_ID"`
	ClientSecret    string `env:"CBB_CLIENT_SECRET"`
	CustomerCode    string `env:"CBB_CUSTOMER_CODE"`
	PrivateKey      string `env:"CBB_PRIVATE_KEY"`
	PublicKey       string `env:"CBB_PUBLIC_KEY"`
	CallbackBaseURL string `env:"CALLBACK_BASE_URL"`
}

// Parse считывает конфигурацию из .env-файла (если есть), переменных
// окружения и флагов командной строки. Переменные окружения имеют приоритет
// над флагами.
func Parse() (*Config, error) {
	// .env удобен в демо-режиме; его отсутствие не ошибка.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayURL := cfg.GatewayURL
	envCallbackBaseURL := cfg.CallbackBaseURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI (empty for in-memory store)")
	flag.StringVar(&cfg.GatewayURL, "g", "https://api.webtrn.cn", "CBB gateway base URL")
	flag.StringVar(&cfg.CallbackBaseURL, "c", "http://localhost:8080", "public base URL for callbacks")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayURL != "" {
		cfg.GatewayURL = envGatewayURL
	}
	if envCallbackBaseURL != "" {
		cfg.CallbackBaseURL = envCallbackBaseURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// Validate возвращает список отсутствующих обязательных параметров.
func (c *Config) Validate() []string {
	var errs []string
	if c.ClientID == "" {
		errs = append(errs, "CBB_CLIENT_ID is not set")
	}
	if c.ClientSecret == "" {
		errs = append(errs, "CBB_CLIENT_SECRET is not set")
	}
	if c.CustomerCode == "" {
		errs = append(errs, "CBB_CUSTOMER_CODE is not set")
	}
	return errs
}

// Credentials возвращает учётные данные мерчанта для шлюза.
func (c *Config) Credentials() model.Credentials {
	return model.Credentials{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		CustomerCode: c.CustomerCode,
		GatewayURL:   c.GatewayURL,
		PrivateKey:   c.PrivateKey,
		PublicKey:    c.PublicKey,
	}
}
