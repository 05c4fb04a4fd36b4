package gce

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	compute "google.golang.org/api/compute/v1"

	"github.com/yairfalse/pcw/internal/credentials"
)

// Credential field names of a service account key.
const (
	fieldProjectID    = "project_id"
	fieldPrivateKeyID = "private_key_id"
)

// keyTokenSource issues tokens for the service account key currently held
// by the namespace credentials. A rotated key replaces the JWT source.
type keyTokenSource struct {
	src credentials.Source

	mu    sync.Mutex
	keyID string
	ts    oauth2.TokenSource
}

func newKeyTokenSource(src credentials.Source) *keyTokenSource {
	return &keyTokenSource{src: src}
}

// Token implements oauth2.TokenSource.
func (s *keyTokenSource) Token() (*oauth2.Token, error) {
	ts, err := s.current(context.Background())
	if err != nil {
		return nil, err
	}
	return ts.Token()
}

func (s *keyTokenSource) current(ctx context.Context) (oauth2.TokenSource, error) {
	data, err := s.src.Data(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ts != nil && data[fieldPrivateKeyID] == s.keyID {
		return s.ts, nil
	}
	raw, err := serviceAccountJSON(data)
	if err != nil {
		return nil, err
	}
	creds, err := google.CredentialsFromJSON(ctx, raw, compute.CloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	s.ts, s.keyID = creds.TokenSource, data[fieldPrivateKeyID]
	return s.ts, nil
}

// serviceAccountJSON turns the credential data back into a key file.
func serviceAccountJSON(data map[string]string) ([]byte, error) {
	if data["type"] == "" {
		return nil, fmt.Errorf("credential data is not a service account key")
	}
	return json.Marshal(data)
}
