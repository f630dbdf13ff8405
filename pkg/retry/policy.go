// Package retry calcula o atraso da próxima tentativa de um step.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
)

// Decision é o resultado de NextDelay.
type Decision struct {
	Delay     time.Duration
	Exhausted bool
}

// Evaluator encapsula a fonte de aleatoriedade usada no modo com jitter.
type Evaluator struct {
	mu   sync.Mutex
	rand *rand.Rand
}

// NewEvaluator cria um avaliador. seed == 0 usa o relógio.
func NewEvaluator(seed int64) *Evaluator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Evaluator{rand: rand.New(rand.NewSource(seed))}
}

// NextDelay decide se a tentativa attempt (1-based, já executada) pode ser seguida de outra.
func (e *Evaluator) NextDelay(policy domain.RetryPolicy, attempt int) Decision {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempt >= maxAttempts {
		return Decision{Exhausted: true}
	}
	if attempt < 1 {
		attempt = 1
	}

	base := Base(policy, attempt)
	if policy.BackoffType != domain.BackoffExponentialJitter || policy.JitterFactor <= 0 {
		return Decision{Delay: base}
	}

	e.mu.Lock()
	u := e.rand.Float64()
	e.mu.Unlock()

	// Uniforme em [base*(1-j), base*(1+j)]
	factor := 1 + policy.JitterFactor*(2*u-1)
	delay := time.Duration(float64(base) * factor)
	return Decision{Delay: capDelay(delay, policy.MaxDelay.Std())}
}

// Base devolve o atraso sem jitter para a tentativa informada.
// fixed é sempre initial_delay; max_delay só limita os modos exponenciais.
func Base(policy domain.RetryPolicy, attempt int) time.Duration {
	initial := policy.InitialDelay.Std()
	if policy.BackoffType == domain.BackoffFixed {
		return capDelay(initial, 0)
	}

	exp := math.Pow(2, float64(attempt-1))
	raw := float64(initial) * exp
	if raw >= float64(math.MaxInt64) {
		return capDelay(time.Duration(math.MaxInt64), policy.MaxDelay.Std())
	}
	return capDelay(time.Duration(raw), policy.MaxDelay.Std())
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}
