package crypto

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/persistorai/custodian/internal/config"
)

// masterCacheTTL is how long the fetched master key is used before re-reading Vault.
const masterCacheTTL = 15 * time.Minute

// DefaultVaultPath is the KV v2 secret holding the artifact master key.
const DefaultVaultPath = "secret/data/custodian/artifact-master-key"

// VaultProvider reads one master key from a Vault KV v2 secret and derives
// tenant keys from it, so rotating the secret rotates every tenant.
type VaultProvider struct {
	addr   string
	path   string
	token  config.Secret
	client *http.Client
	group  singleflight.Group

	mu        sync.RWMutex
	master    []byte
	fetchedAt time.Time
}

// NewVaultProvider creates a VaultProvider for the given address and token.
func NewVaultProvider(addr, token string) *VaultProvider {
	return &VaultProvider{
		addr:  strings.TrimRight(addr, "/"),
		path:  DefaultVaultPath,
		token: config.Secret(token),
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
}

// GetKey returns the tenant's key derived from the cached master key.
func (p *VaultProvider) GetKey(ctx context.Context, tenantID string) ([]byte, error) {
	master, err := p.masterKey(ctx)
	if err != nil {
		return nil, err
	}

	return deriveTenantKey(master, tenantID)
}

func (p *VaultProvider) masterKey(ctx context.Context) ([]byte, error) {
	p.mu.RLock()
	if p.master != nil && time.Since(p.fetchedAt) < masterCacheTTL {
		key := p.master
		p.mu.RUnlock()

		return key, nil
	}
	p.mu.RUnlock()

	val, err, _ := p.group.Do("master", func() (any, error) {
		key, err := p.fetchMaster(ctx)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.master, p.fetchedAt = key, time.Now()
		p.mu.Unlock()

		return key, nil
	})
	if err != nil {
		return nil, err
	}

	key, ok := val.([]byte)
	if !ok {
		return nil, fmt.Errorf("crypto/vault: unexpected singleflight result type %T", val)
	}

	return key, nil
}

func (p *VaultProvider) fetchMaster(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.addr+"/v1/"+p.path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("crypto/vault: create request: %w", err)
	}

	req.Header.Set("X-Vault-Token", p.token.Value())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crypto/vault: request failed: %w", err)
	}
	defer resp.Body.Close()

	// Limit all body reads to 1 MB to prevent memory exhaustion.
	body := io.LimitReader(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(body)
		return nil, fmt.Errorf("crypto/vault: unexpected status %d reading %s: %s", resp.StatusCode, p.path, msg)
	}

	var result struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}

	if err := json.NewDecoder(body).Decode(&result); err != nil {
		return nil, fmt.Errorf("crypto/vault: decode response: %w", err)
	}

	b64Key := result.Data.Data["master_key"]
	if b64Key == "" {
		return nil, fmt.Errorf("crypto/vault: master_key field missing at %s", p.path)
	}

	key, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return nil, fmt.Errorf("crypto/vault: decode base64 key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("crypto/vault: key must be 32 bytes, got %d", len(key))
	}

	return key, nil
}
