// Package secrets resolves the git access token at invocation time.
package secrets

import (
	"context"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// TokenProvider yields the git access token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a literal token, for local runs and tests.
type Static string

func (s Static) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// SecretManager fetches the token from Google Secret Manager and caches it
// for the life of the process.
type SecretManager struct {
	// name is the full resource name:
	// projects/<project>/secrets/<secret>/versions/latest
	name string

	mu     sync.Mutex
	cached string
}

func NewSecretManager(resourceName string) *SecretManager {
	return &SecretManager{name: strings.TrimSpace(resourceName)}
}

func (s *SecretManager) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != "" {
		return s.cached, nil
	}
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.name,
	})
	if err != nil {
		return "", err
	}
	s.cached = strings.TrimSpace(string(resp.GetPayload().GetData()))
	return s.cached, nil
}
