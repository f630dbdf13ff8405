// Package worker executa entregas com limite de concorrência por tenant e global.
// Um tenant saturado só espera pelo próprio semáforo; os slots globais ficam livres
// para os demais tenants.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/raywall/fast-webhook-pipeline/pkg/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("pool de workers encerrado")

// Task recebe o contexto do pool, que é cancelado no Shutdown forçado.
type Task func(ctx context.Context)

type tenantSlot struct {
	sem     *semaphore.Weighted
	waiting int
	running int
}

type Pool struct {
	perTenant int64
	global    *semaphore.Weighted

	mu      sync.Mutex
	tenants map[string]*tenantSlot
	closed  bool

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *metrics.Recorder
}

func New(perTenant, global int, recorder *metrics.Recorder) *Pool {
	if perTenant <= 0 {
		perTenant = 1
	}
	if global < perTenant {
		global = perTenant
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		perTenant: int64(perTenant),
		global:    semaphore.NewWeighted(int64(global)),
		tenants:   make(map[string]*tenantSlot),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   recorder,
	}
}

// Submit agenda a tarefa e retorna imediatamente.
func (p *Pool) Submit(tenantID string, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	slot, ok := p.tenants[tenantID]
	if !ok {
		slot = &tenantSlot{sem: semaphore.NewWeighted(p.perTenant)}
		p.tenants[tenantID] = slot
	}
	slot.waiting++
	waiting := slot.waiting
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.TenantWaiting(tenantID, waiting)
	go p.run(tenantID, slot, task)
	return nil
}

func (p *Pool) run(tenantID string, slot *tenantSlot, task Task) {
	defer p.wg.Done()

	acquired := false
	defer func() {
		p.mu.Lock()
		if acquired {
			slot.running--
		} else {
			slot.waiting--
		}
		p.release(tenantID, slot)
		p.mu.Unlock()
	}()

	if err := slot.sem.Acquire(p.ctx, 1); err != nil {
		return
	}
	defer slot.sem.Release(1)

	if err := p.global.Acquire(p.ctx, 1); err != nil {
		return
	}
	defer p.global.Release(1)

	p.mu.Lock()
	slot.waiting--
	slot.running++
	acquired = true
	p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("tenant_id", tenantID).Str("panic", fmt.Sprint(r)).Msg("panic recuperado em tarefa de entrega")
		}
	}()
	task(p.ctx)
}

// release descarta o slot do tenant quando não há mais tarefas. Chamar com mu travado.
func (p *Pool) release(tenantID string, slot *tenantSlot) {
	if slot.waiting == 0 && slot.running == 0 {
		delete(p.tenants, tenantID)
	}
}

// TenantLoad é o retrato da fila de um tenant.
type TenantLoad struct {
	Waiting int `json:"waiting"`
	Running int `json:"running"`
}

func (p *Pool) Load() map[string]TenantLoad {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]TenantLoad, len(p.tenants))
	for id, slot := range p.tenants {
		out[id] = TenantLoad{Waiting: slot.waiting, Running: slot.running}
	}
	return out
}

// Shutdown para de aceitar tarefas e aguarda as em andamento. Se ctx expirar antes,
// cancela o contexto das tarefas e retorna o erro do ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
