// Package secrets resolves credentials from GCP Secret Manager.
package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// accessor is the slice of the Secret Manager client this package uses.
type accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type GCPSecretManager struct {
	client    accessor
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager uses application default credentials unless
// credentialsFile is set.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return strings.TrimSpace(string(result.Payload.Data)), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	if secretName == "" {
		return defaultValue
	}
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return value
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

type SecretNames struct {
	ExchangeAPIKey     string `mapstructure:"exchange_api_key"`
	ExchangeAPISecret  string `mapstructure:"exchange_api_secret"`
	ExchangePassphrase string `mapstructure:"exchange_passphrase"`
	TelegramBotToken   string `mapstructure:"telegram_bot_token"`
	WebhookURL         string `mapstructure:"webhook_url"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		ExchangeAPIKey:     "coinbase-api-key",
		ExchangeAPISecret:  "coinbase-api-secret",
		ExchangePassphrase: "coinbase-passphrase",
		TelegramBotToken:   "autotrader-telegram-bot-token",
		WebhookURL:         "autotrader-webhook-url",
	}
}

type Resolved struct {
	ExchangeAPIKey     string
	ExchangeAPISecret  string
	ExchangePassphrase string
	TelegramBotToken   string
	WebhookURL         string
}

// Resolve fetches every named secret, keeping the value from fallback when a
// secret is missing.
func (g *GCPSecretManager) Resolve(ctx context.Context, names SecretNames, fallback Resolved) Resolved {
	return Resolved{
		ExchangeAPIKey:     g.GetSecretWithDefault(ctx, names.ExchangeAPIKey, fallback.ExchangeAPIKey),
		ExchangeAPISecret:  g.GetSecretWithDefault(ctx, names.ExchangeAPISecret, fallback.ExchangeAPISecret),
		ExchangePassphrase: g.GetSecretWithDefault(ctx, names.ExchangePassphrase, fallback.ExchangePassphrase),
		TelegramBotToken:   g.GetSecretWithDefault(ctx, names.TelegramBotToken, fallback.TelegramBotToken),
		WebhookURL:         g.GetSecretWithDefault(ctx, names.WebhookURL, fallback.WebhookURL),
	}
}
