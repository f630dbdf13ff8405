package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
)

type ConfigValidator struct {
	validate *validator.Validate
}

// NewValidator cria uma nova instância do validador
func NewValidator() *ConfigValidator {
	return &ConfigValidator{
		validate: validator.New(),
	}
}

// Validate realiza validações estruturais (tags) e semânticas (lógica) da configuração da engine
func (cv *ConfigValidator) Validate(cfg *EngineConfig) error {
	if err := cv.structural(cfg); err != nil {
		return err
	}
	if err := cv.validateSemantics(cfg); err != nil {
		return fmt.Errorf("erro de validação semântica: %w", err)
	}
	return nil
}

// ValidateCatalog valida um documento de pipelines antes de publicá-lo no catálogo
func (cv *ConfigValidator) ValidateCatalog(doc *CatalogDocument) error {
	if err := cv.structural(doc); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, p := range doc.Pipelines {
		if seen[p.ID] {
			return fmt.Errorf("erro de validação semântica: pipeline ID duplicado: '%s'", p.ID)
		}
		seen[p.ID] = true
		if err := ValidatePipeline(p); err != nil {
			return fmt.Errorf("erro de validação semântica: pipeline '%s': %w", p.ID, err)
		}
	}
	return nil
}

// ValidatePipeline aplica as regras semânticas de um pipeline isolado
func ValidatePipeline(p domain.Pipeline) error {
	orders := make(map[int]string)
	ids := make(map[string]bool)

	for _, s := range p.Steps {
		if ids[s.ID] {
			return fmt.Errorf("step ID duplicado: '%s'", s.ID)
		}
		ids[s.ID] = true

		if other, ok := orders[s.Order]; ok {
			return fmt.Errorf("steps '%s' e '%s' compartilham a ordem %d", other, s.ID, s.Order)
		}
		orders[s.Order] = s.ID

		if err := validateTargetURL(s.URL); err != nil {
			return fmt.Errorf("step '%s': %w", s.ID, err)
		}

		if s.SignatureMode == domain.SignatureHMAC || s.SignatureMode == domain.SignatureJWT {
			if s.SigningKeyRef == "" {
				return fmt.Errorf("step '%s': signing_key_ref é obrigatório no modo %s", s.ID, s.SignatureMode)
			}
		}

		if rp := s.RetryPolicy; rp != nil {
			if rp.BackoffType != domain.BackoffFixed && rp.InitialDelay <= 0 {
				return fmt.Errorf("step '%s': initial_delay deve ser positivo no backoff %s", s.ID, rp.BackoffType)
			}
			if rp.MaxDelay > 0 && rp.MaxDelay < rp.InitialDelay {
				return fmt.Errorf("step '%s': max_delay menor que initial_delay", s.ID)
			}
		}
	}
	return nil
}

func validateTargetURL(raw string) error {
	// URLs com placeholders só são conhecidas após a renderização
	if strings.Contains(raw, "{{") {
		return nil
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("url inválida '%s': %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url '%s' deve usar http ou https", raw)
	}
	return nil
}

func (cv *ConfigValidator) structural(target interface{}) error {
	if err := cv.validate.Struct(target); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMsgs []string
			for _, e := range validationErrors {
				errMsgs = append(errMsgs, fmt.Sprintf("Campo '%s' falhou na regra '%s'", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("erros de validação estrutural:\n- %s", strings.Join(errMsgs, "\n- "))
		}
		return fmt.Errorf("erro de validação estrutural: %w", err)
	}
	return nil
}

func (cv *ConfigValidator) validateSemantics(cfg *EngineConfig) error {
	if cfg.Storage.Driver == "postgres" && cfg.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage postgres exige 'dsn'")
	}

	if cfg.Scheduler.Driver == "redis" && cfg.Scheduler.Redis.Addr == "" {
		return fmt.Errorf("scheduler redis exige 'addr'")
	}

	switch cfg.Catalog.Source {
	case "file":
		if cfg.Catalog.Path == "" {
			return fmt.Errorf("catálogo file exige 'path'")
		}
	case "s3":
		if !strings.HasPrefix(cfg.Catalog.Path, "s3://") {
			return fmt.Errorf("catálogo s3 exige 'path' no formato s3://bucket/chave")
		}
	case "dynamodb":
		if cfg.Catalog.DynamoDB.Table == "" {
			return fmt.Errorf("catálogo dynamodb exige 'table'")
		}
	}

	if cfg.Catalog.Cache.Enabled && cfg.Catalog.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache do catálogo exige 'redis.addr'")
	}

	seenIDs := make(map[string]bool)
	for _, ap := range cfg.AuthProviders {
		if seenIDs[ap.ID] {
			return fmt.Errorf("auth provider ID duplicado detectado: '%s'", ap.ID)
		}
		seenIDs[ap.ID] = true
	}

	if cfg.Concurrency.Global > 0 && cfg.Concurrency.PerTenant > cfg.Concurrency.Global {
		return fmt.Errorf("concurrency.per_tenant (%d) maior que concurrency.global (%d)", cfg.Concurrency.PerTenant, cfg.Concurrency.Global)
	}

	return nil
}
