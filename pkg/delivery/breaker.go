package delivery

import (
	"errors"
	"sync"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// errBreakerFailure sinaliza ao breaker uma falha retentável sem descartar a resposta.
var errBreakerFailure = errors.New("falha retentável")

// Breakers mantém um circuit breaker por host de destino.
type Breakers struct {
	mu       sync.Mutex
	settings config.BreakerConf
	byHost   map[string]*gobreaker.CircuitBreaker
}

func NewBreakers(cfg config.BreakerConf) *Breakers {
	return &Breakers{settings: cfg, byHost: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *Breakers) get(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.byHost[host]; ok {
		return cb
	}
	maxFailures := b.settings.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     b.settings.GetOpenTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker mudou de estado")
		},
	})
	b.byHost[host] = cb
	return cb
}

// State devolve o estado do breaker do host (closed se nunca usado).
func (b *Breakers) State(host string) gobreaker.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.byHost[host]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// executeWithBreaker é a versão tipada de cb.Execute. Diferente do Execute puro, devolve
// o resultado mesmo quando fn retorna erro, para preservar respostas 5xx.
func executeWithBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	_, err := cb.Execute(func() (interface{}, error) {
		res, err := fn()
		out = res
		return nil, err
	})
	return out, err
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
