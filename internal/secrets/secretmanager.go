package secrets

import (
	"context"
	"fmt"

	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/secretmanager"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const latestVersion = "latest"

// SecretManager reads the latest version of a named secret through the
// engine's provider invoke, so lookups use the stack's cloud credentials.
type SecretManager struct {
	ctx     *pulumi.Context
	project string
}

func NewSecretManager(ctx *pulumi.Context, project string) *SecretManager {
	return &SecretManager{ctx: ctx, project: project}
}

func (s *SecretManager) Resolve(_ context.Context, name string) (string, error) {
	args := &secretmanager.LookupSecretVersionArgs{
		Secret:  name,
		Version: pulumi.StringRef(latestVersion),
	}
	if s.project != "" {
		args.Project = pulumi.StringRef(s.project)
	}
	result, err := secretmanager.LookupSecretVersion(s.ctx, args)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("secret manager secret '%s': %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("failed to read secret manager secret '%s': %w", name, err)
	}
	if result.SecretData == "" {
		return "", fmt.Errorf("secret manager secret '%s' is empty: %w", name, ErrNotFound)
	}
	return result.SecretData, nil
}
