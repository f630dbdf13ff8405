package config

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gopkg.in/yaml.v3"
)

// S3Downloader define a interface mínima do S3 (permite Mocking)
type S3Downloader interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Injector resolve interpolações ${...} antes da validação.
type Injector interface {
	Inject(ctx context.Context, target interface{}) error
}

// Loader lê documentos YAML de arquivo local ou s3://bucket/chave.
type Loader struct {
	s3        S3Downloader
	injector  Injector
	validator *ConfigValidator
}

// NewLoader cria um loader. s3 e injector podem ser nil.
func NewLoader(s3Client S3Downloader, injector Injector) *Loader {
	return &Loader{
		s3:        s3Client,
		injector:  injector,
		validator: NewValidator(),
	}
}

// Load carrega, injeta, aplica defaults e valida a configuração da engine.
func (l *Loader) Load(ctx context.Context, source string) (*EngineConfig, error) {
	raw, err := l.Read(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("falha leitura config (%s): %w", source, err)
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("YAML malformado: %w", err)
	}

	if l.injector != nil {
		if err := l.injector.Inject(ctx, &cfg); err != nil {
			return nil, fmt.Errorf("falha na injeção de variáveis: %w", err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := l.validator.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validação da configuração falhou: %w", err)
	}
	return &cfg, nil
}

// LoadCatalog carrega e valida um documento de pipelines.
func (l *Loader) LoadCatalog(ctx context.Context, source string) (*CatalogDocument, error) {
	raw, err := l.Read(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("falha leitura catálogo (%s): %w", source, err)
	}
	return l.ParseCatalog(raw)
}

// ParseCatalog decodifica e valida um catálogo já lido.
func (l *Loader) ParseCatalog(raw []byte) (*CatalogDocument, error) {
	var doc CatalogDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("YAML do catálogo malformado: %w", err)
	}
	for i := range doc.Pipelines {
		p := &doc.Pipelines[i]
		for j := range p.Steps {
			if p.Steps[j].PipelineID == "" {
				p.Steps[j].PipelineID = p.ID
			}
			p.Steps[j].Method = strings.ToUpper(p.Steps[j].Method)
		}
	}
	if err := l.validator.ValidateCatalog(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Read devolve o conteúdo bruto da fonte.
func (l *Loader) Read(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "s3://") {
		if l.s3 == nil {
			return nil, fmt.Errorf("cliente S3 não configurado")
		}
		return l.loadFromS3(ctx, source)
	}
	// Suporta tanto "file://config.yaml" quanto apenas "config.yaml"
	return os.ReadFile(strings.TrimPrefix(source, "file://"))
}

func (l *Loader) loadFromS3(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("URL S3 inválida: %w", err)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")

	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}
