package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/config"
	"golang.org/x/oauth2/clientcredentials"
)

var ErrUnknownProvider = errors.New("auth provider não configurado")

// NewOAuth2Fetcher cria o fetcher do fluxo client credentials.
func NewOAuth2Fetcher(cfg config.AuthProviderConf) TokenFetcher {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return func(ctx context.Context) (string, time.Duration, error) {
		tok, err := cc.Token(ctx)
		if err != nil {
			return "", 0, fmt.Errorf("erro oauth client credentials: %w", err)
		}
		if tok.AccessToken == "" {
			return "", 0, fmt.Errorf("access_token veio vazio")
		}
		var ttl time.Duration
		if !tok.Expiry.IsZero() {
			ttl = time.Until(tok.Expiry)
		}
		return tok.AccessToken, ttl, nil
	}
}

// Registry resolve o token de um provedor pelo id, iniciando o Manager na primeira
// vez que o provedor é usado.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewRegistry(providers []config.AuthProviderConf) *Registry {
	fetchers := make(map[string]TokenFetcher, len(providers))
	for _, p := range providers {
		fetchers[p.ID] = NewOAuth2Fetcher(p)
	}
	return NewRegistryWithFetchers(fetchers)
}

// NewRegistryWithFetchers permite injetar fetchers (testes e provedores customizados).
func NewRegistryWithFetchers(fetchers map[string]TokenFetcher) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		managers: make(map[string]*Manager, len(fetchers)),
		ctx:      ctx,
		cancel:   cancel,
	}
	for id, f := range fetchers {
		r.managers[id] = NewManager(id, f)
	}
	return r
}

// Token devolve o access token atual do provedor.
func (r *Registry) Token(ctx context.Context, providerID string) (string, error) {
	r.mu.Lock()
	m, ok := r.managers[providerID]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	if !m.Ready() {
		// a busca inicial usa o ctx da requisição; o loop de renovação usa o do registry
		if err := m.startWith(ctx, r.ctx); err != nil {
			r.mu.Unlock()
			return "", err
		}
	}
	r.mu.Unlock()
	return m.Get()
}

// Close para todas as renovações.
func (r *Registry) Close() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.managers {
		m.Stop()
	}
}
