// Package template resolve placeholders {{caminho}} nos templates de body, headers e URL
// de um step. É um interpretador pequeno sobre strings, objetos e arrays: não executa código.
package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
)

const (
	envPrefix       = "env."
	payloadPrefix   = "payload."
	defaultMaxDepth = 32
)

var placeholderRegex = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\[\]-]+)\s*\}\}`)

// ErrDepthExceeded indica template aninhado além do limite configurado.
var ErrDepthExceeded = errors.New("template excede a profundidade máxima")

// SecretResolver fornece valores para placeholders env.NOME.
// Nome inexistente deve retornar "" sem erro.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Context é o contexto do evento usado na renderização.
type Context struct {
	TriggerType   domain.TriggerType
	Timestamp     time.Time
	ExecutionID   string
	PipelineID    string
	TenantID      string
	CorrelationID string
	Payload       map[string]interface{}
}

// NewContext monta o contexto a partir de uma Execution. O payload é decodificado
// do snapshot imutável, então cada renderização trabalha sobre uma cópia própria.
func NewContext(exec *domain.Execution) (*Context, error) {
	payload := map[string]interface{}{}
	if len(exec.TriggerPayload) > 0 {
		if err := json.Unmarshal(exec.TriggerPayload, &payload); err != nil {
			return nil, fmt.Errorf("payload da execução inválido: %w", err)
		}
	}
	return &Context{
		TriggerType:   exec.TriggerType,
		Timestamp:     exec.CreatedAt,
		ExecutionID:   exec.ID,
		PipelineID:    exec.PipelineID,
		TenantID:      exec.TenantID,
		CorrelationID: exec.CorrelationID,
		Payload:       payload,
	}, nil
}

// Renderer aplica os templates. É seguro para uso concorrente.
type Renderer struct {
	secrets  SecretResolver
	maxDepth int
}

// NewRenderer cria um renderizador. secrets pode ser nil (env.* vira vazio).
func NewRenderer(secrets SecretResolver) *Renderer {
	return &Renderer{secrets: secrets, maxDepth: defaultMaxDepth}
}

// Result acumula metadados da renderização.
type Result struct {
	// UsedSecret indica que algum placeholder env.* foi resolvido.
	UsedSecret bool
}

// Render resolve um valor de template recursivamente.
// Strings com um único placeholder mantêm o tipo nativo do valor resolvido.
func (r *Renderer) Render(ctx context.Context, tmpl interface{}, rc *Context) (interface{}, Result, error) {
	var res Result
	out, err := r.render(ctx, tmpl, rc, 0, &res)
	return out, res, err
}

// RenderString resolve placeholders em uma string, sempre devolvendo string.
func (r *Renderer) RenderString(ctx context.Context, s string, rc *Context) (string, Result, error) {
	var res Result
	out, err := r.interpolate(ctx, s, rc, &res)
	return out, res, err
}

func (r *Renderer) render(ctx context.Context, tmpl interface{}, rc *Context, depth int, res *Result) (interface{}, error) {
	if depth > r.maxDepth {
		return nil, ErrDepthExceeded
	}

	switch v := tmpl.(type) {
	case string:
		if m := placeholderRegex.FindStringSubmatchIndex(v); m != nil && m[0] == 0 && m[1] == len(v) {
			val, err := r.resolve(ctx, v[m[2]:m[3]], rc, res)
			if err != nil {
				return nil, err
			}
			if val == nil {
				return "", nil
			}
			return val, nil
		}
		return r.interpolate(ctx, v, rc, res)

	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			rendered, err := r.render(ctx, item, rc, depth+1, res)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil

	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			rendered, err := r.render(ctx, item, rc, depth+1, res)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprintf("%v", k)] = rendered
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rendered, err := r.render(ctx, item, rc, depth+1, res)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil

	default:
		return v, nil
	}
}

func (r *Renderer) interpolate(ctx context.Context, s string, rc *Context, res *Result) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var firstErr error
	out := placeholderRegex.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderRegex.FindStringSubmatch(match)[1]
		val, err := r.resolve(ctx, path, rc, res)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ""
		}
		return FormatValue(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// resolve devolve nil para caminhos inexistentes.
func (r *Renderer) resolve(ctx context.Context, path string, rc *Context, res *Result) (interface{}, error) {
	if strings.HasPrefix(path, envPrefix) {
		name := strings.TrimPrefix(path, envPrefix)
		if r.secrets == nil || name == "" {
			return nil, nil
		}
		val, err := r.secrets.Resolve(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("falha ao resolver segredo %q: %w", name, err)
		}
		res.UsedSecret = true
		return val, nil
	}

	if rc == nil {
		return nil, nil
	}

	switch path {
	case "trigger_type":
		return string(rc.TriggerType), nil
	case "timestamp":
		return rc.Timestamp.UTC().Format(time.RFC3339), nil
	case "timestamp_unix":
		return rc.Timestamp.Unix(), nil
	case "execution_id":
		return rc.ExecutionID, nil
	case "pipeline_id":
		return rc.PipelineID, nil
	case "tenant_id":
		return rc.TenantID, nil
	case "correlation_id":
		return rc.CorrelationID, nil
	case "payload":
		return rc.Payload, nil
	}

	if strings.HasPrefix(path, payloadPrefix) {
		path = strings.TrimPrefix(path, payloadPrefix)
	}
	val, ok := Lookup(rc.Payload, path)
	if !ok {
		return nil, nil
	}
	return val, nil
}

// FormatValue converte um valor resolvido para sua forma textual.
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// Placeholders lista os caminhos referenciados em um template.
func Placeholders(tmpl interface{}) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			for _, m := range placeholderRegex.FindAllStringSubmatch(t, -1) {
				if !seen[m[1]] {
					seen[m[1]] = true
					out = append(out, m[1])
				}
			}
		case map[string]interface{}:
			for _, item := range t {
				walk(item)
			}
		case []interface{}:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(tmpl)
	return out
}
