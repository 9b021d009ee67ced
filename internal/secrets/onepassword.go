package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/1password/onepassword-sdk-go"
)

// ServiceAccountTokenEnv holds the 1Password service account token.
const ServiceAccountTokenEnv = "OP_SERVICE_ACCOUNT_TOKEN"

const integrationName = "PostHog devvm secret resolution"

// OnePassword resolves op://vault/item/field references.
type OnePassword struct {
	client *onepassword.Client
}

// NewOnePassword creates a client from a service account token. An empty
// token falls back to OP_SERVICE_ACCOUNT_TOKEN.
func NewOnePassword(ctx context.Context, token, version string) (*OnePassword, error) {
	if token == "" {
		token = os.Getenv(ServiceAccountTokenEnv)
	}
	if token == "" {
		return nil, fmt.Errorf("no 1Password service account token: set %s", ServiceAccountTokenEnv)
	}
	client, err := onepassword.NewClient(
		ctx,
		onepassword.WithServiceAccountToken(token),
		onepassword.WithIntegrationInfo(integrationName, version),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create 1Password client: %w", err)
	}
	return &OnePassword{client: client}, nil
}

func (o *OnePassword) Resolve(ctx context.Context, ref string) (string, error) {
	value, err := o.client.Secrets().Resolve(ctx, ref)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("1Password secret '%s': %w", ref, ErrNotFound)
		}
		return "", fmt.Errorf("failed to resolve 1Password secret '%s': %w", ref, err)
	}
	return value, nil
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "notfound") ||
		strings.Contains(msg, "no item matched") ||
		strings.Contains(msg, "404")
}

// LazyOnePassword creates the 1Password client on first use so stacks that
// never reference op:// secrets do not need a service account token.
type LazyOnePassword struct {
	Version string

	once   sync.Once
	client *OnePassword
	err    error
}

func (l *LazyOnePassword) Resolve(ctx context.Context, ref string) (string, error) {
	l.once.Do(func() {
		l.client, l.err = NewOnePassword(ctx, "", l.Version)
	})
	if l.err != nil {
		return "", l.err
	}
	return l.client.Resolve(ctx, ref)
}
