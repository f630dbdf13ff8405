// Package catalog fornece leituras das definições de pipeline. A engine nunca escreve
// pipelines: o catálogo é mantido pelo subsistema de configuração.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/raywall/fast-webhook-pipeline/pkg/config"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/rs/zerolog/log"
)

var ErrPipelineNotFound = errors.New("pipeline não encontrado")

// Catalog é a fonte de pipelines consultada no roteamento.
type Catalog interface {
	// PipelinesFor devolve os pipelines do tenant para o gatilho, em qualquer status.
	PipelinesFor(ctx context.Context, tenantID string, trigger domain.TriggerType) ([]domain.Pipeline, error)
	Get(ctx context.Context, pipelineID string) (*domain.Pipeline, error)
}

// DocumentLoader lê um documento de catálogo (arquivo local ou s3://).
type DocumentLoader interface {
	LoadCatalog(ctx context.Context, source string) (*config.CatalogDocument, error)
}

// snapshot é imutável depois de publicado.
type snapshot struct {
	version int64
	byID    map[string]domain.Pipeline
	byKey   map[string][]domain.Pipeline
}

// Static serve pipelines de um documento YAML. Reload troca o snapshot inteiro de forma
// atômica, então leitores concorrentes nunca veem um catálogo pela metade.
type Static struct {
	loader  DocumentLoader
	source  string
	current atomic.Pointer[snapshot]
}

func NewStatic(loader DocumentLoader, source string) *Static {
	s := &Static{loader: loader, source: source}
	s.current.Store(buildSnapshot(nil, 0))
	return s
}

// NewStaticFromPipelines cria um catálogo fixo, sem fonte de recarga.
func NewStaticFromPipelines(pipelines []domain.Pipeline) *Static {
	s := &Static{}
	s.current.Store(buildSnapshot(pipelines, 1))
	return s
}

// Reload relê a fonte. Em caso de erro o snapshot anterior continua valendo.
func (s *Static) Reload(ctx context.Context) error {
	if s.loader == nil || s.source == "" {
		return nil
	}
	doc, err := s.loader.LoadCatalog(ctx, s.source)
	if err != nil {
		return fmt.Errorf("falha ao recarregar catálogo: %w", err)
	}
	next := buildSnapshot(doc.Pipelines, s.current.Load().version+1)
	s.current.Store(next)

	log.Info().
		Str("component", "catalog").
		Int("pipelines", len(next.byID)).
		Int64("version", next.version).
		Msg("catálogo carregado")
	return nil
}

func (s *Static) Version() int64 {
	return s.current.Load().version
}

func (s *Static) PipelinesFor(_ context.Context, tenantID string, trigger domain.TriggerType) ([]domain.Pipeline, error) {
	list := s.current.Load().byKey[key(tenantID, trigger)]
	out := make([]domain.Pipeline, len(list))
	copy(out, list)
	return out, nil
}

func (s *Static) Get(_ context.Context, pipelineID string) (*domain.Pipeline, error) {
	p, ok := s.current.Load().byID[pipelineID]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	return &p, nil
}

// All devolve todos os pipelines do snapshot corrente.
func (s *Static) All() []domain.Pipeline {
	snap := s.current.Load()
	out := make([]domain.Pipeline, 0, len(snap.byID))
	for _, p := range snap.byID {
		out = append(out, p)
	}
	return out
}

func buildSnapshot(pipelines []domain.Pipeline, version int64) *snapshot {
	snap := &snapshot{
		version: version,
		byID:    make(map[string]domain.Pipeline, len(pipelines)),
		byKey:   make(map[string][]domain.Pipeline),
	}
	for _, p := range pipelines {
		if p.Version == 0 {
			p.Version = version
		}
		snap.byID[p.ID] = p
		k := key(p.TenantID, p.TriggerType)
		snap.byKey[k] = append(snap.byKey[k], p)
	}
	return snap
}

func key(tenantID string, trigger domain.TriggerType) string {
	return tenantID + "|" + string(trigger)
}
