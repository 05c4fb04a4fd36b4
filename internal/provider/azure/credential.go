package azure

import (
	"context"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/yairfalse/pcw/internal/credentials"
)

// Credential field names.
const (
	fieldClientID       = "client_id"
	fieldClientSecret   = "client_secret"
	fieldTenantID       = "tenant_id"
	fieldSubscriptionID = "subscription_id"
)

// leaseCredential is a token credential that follows the namespace
// credentials: when the lease rotates the service principal secret, the
// underlying client secret credential is rebuilt.
type leaseCredential struct {
	src credentials.Source

	mu     sync.Mutex
	secret string
	cred   azcore.TokenCredential
}

func newLeaseCredential(src credentials.Source) *leaseCredential {
	return &leaseCredential{src: src}
}

// GetToken implements azcore.TokenCredential.
func (c *leaseCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	cred, err := c.current(ctx)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return cred.GetToken(ctx, opts)
}

func (c *leaseCredential) current(ctx context.Context) (azcore.TokenCredential, error) {
	data, err := c.src.Data(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := data[fieldTenantID] + "/" + data[fieldClientID] + "/" + data[fieldClientSecret]
	if c.cred != nil && key == c.secret {
		return c.cred, nil
	}
	cred, err := azidentity.NewClientSecretCredential(data[fieldTenantID], data[fieldClientID], data[fieldClientSecret], nil)
	if err != nil {
		return nil, fmt.Errorf("create client secret credential: %w", err)
	}
	c.cred, c.secret = cred, key
	return cred, nil
}
