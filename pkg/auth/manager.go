// Package auth mantém tokens OAuth2 (client credentials) dos provedores usados pelos
// steps. Cada provedor tem um Manager que renova o token em background.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TokenFetcher define a função que sabe como buscar um novo token.
type TokenFetcher func(ctx context.Context) (string, time.Duration, error)

// Manager gerencia o ciclo de vida do token de forma thread-safe.
type Manager struct {
	name        string
	token       string
	mu          sync.RWMutex
	fetcher     TokenFetcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	initialized bool
}

// NewManager cria um gerenciador genérico.
func NewManager(name string, fetcher TokenFetcher) *Manager {
	return &Manager{
		name:     name,
		fetcher:  fetcher,
		stopChan: make(chan struct{}),
	}
}

// Start faz a busca inicial síncrona e inicia o loop de renovação.
func (m *Manager) Start(ctx context.Context) error {
	return m.startWith(ctx, ctx)
}

// startWith separa o contexto da busca inicial do contexto do loop de renovação.
func (m *Manager) startWith(fetchCtx, loopCtx context.Context) error {
	token, ttl, err := m.fetcher(fetchCtx)
	if err != nil {
		return fmt.Errorf("falha inicial ao obter token (%s): %w", m.name, err)
	}

	m.mu.Lock()
	m.token = token
	m.initialized = true
	m.mu.Unlock()

	go m.refreshLoop(loopCtx, ttl)
	return nil
}

// Get retorna o token atual.
func (m *Manager) Get() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return "", fmt.Errorf("auth manager '%s' não inicializado", m.name)
	}
	return m.token, nil
}

func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Stop encerra a renovação. Pode ser chamado mais de uma vez.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *Manager) refreshLoop(ctx context.Context, initialTTL time.Duration) {
	timer := time.NewTimer(calculateWait(initialTTL))
	defer timer.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			token, ttl, err := m.fetcher(ctx)
			wait := 10 * time.Second
			if err == nil {
				m.mu.Lock()
				m.token = token
				m.mu.Unlock()
				wait = calculateWait(ttl)
			} else {
				// mantém o token anterior até a próxima tentativa
				log.Warn().Err(err).Str("provider", m.name).Msg("falha ao renovar token")
			}
			timer.Reset(wait)
		}
	}
}

// calculateWait renova quando passar 80% do tempo de vida.
func calculateWait(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(float64(ttl) * 0.8)
}
