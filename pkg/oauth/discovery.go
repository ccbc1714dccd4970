package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// wellKnownPaths are tried in order. Only the OpenID document carries the
// session management endpoints, so it comes first.
var wellKnownPaths = []string{
	"/.well-known/openid-configuration",
	"/.well-known/oauth-authorization-server",
}

const maxMetadataBytes = 1 << 20

type metadataEntry struct {
	metadata *Metadata
	expires  time.Time
}

// metadataCache keeps discovery documents per issuer and collapses
// concurrent lookups of the same issuer into one fetch.
type metadataCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]metadataEntry
	flight  singleflight.Group
}

func newMetadataCache(ttl time.Duration) *metadataCache {
	return &metadataCache{ttl: ttl, entries: map[string]metadataEntry{}}
}

func (mc *metadataCache) get(issuer string) (*Metadata, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	e, ok := mc.entries[issuer]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.metadata, true
}

func (mc *metadataCache) put(issuer string, m *Metadata) {
	mc.mu.Lock()
	mc.entries[issuer] = metadataEntry{metadata: m, expires: time.Now().Add(mc.ttl)}
	mc.mu.Unlock()
}

func (mc *metadataCache) clear() {
	mc.mu.Lock()
	clear(mc.entries)
	mc.mu.Unlock()
}

// DiscoverMetadata returns the provider metadata of issuer. A trailing slash
// on issuer is ignored.
func (c *Client) DiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")
	if m, ok := c.metadata.get(issuer); ok {
		return m, nil
	}

	v, err, shared := c.metadata.flight.Do(issuer, func() (any, error) {
		if m, ok := c.metadata.get(issuer); ok {
			return m, nil
		}
		m, err := c.fetchFirstMetadata(ctx, issuer)
		if err != nil {
			return nil, err
		}
		c.metadata.put(issuer, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Joined in-flight discovery", "issuer", issuer)
	}
	return v.(*Metadata), nil
}

// ClearMetadataCache forgets every discovered document.
func (c *Client) ClearMetadataCache() {
	c.metadata.clear()
}

func (c *Client) fetchFirstMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	var errs []error
	for _, path := range wellKnownPaths {
		m, err := c.getMetadata(ctx, issuer+path)
		if err == nil {
			c.logger.Debug("Discovered provider metadata",
				"issuer", issuer,
				"document", path,
				"token_endpoint", m.TokenEndpoint)
			return m, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
	}
	return nil, fmt.Errorf("discovery for %s failed: %w", issuer, errors.Join(errs...))
}

func (c *Client) getMetadata(ctx context.Context, documentURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, documentURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var m Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if m.AuthorizationEndpoint == "" && m.TokenEndpoint == "" {
		return nil, errors.New("document lists no endpoints")
	}
	return &m, nil
}
