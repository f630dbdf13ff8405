package template

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSecrets struct {
	values map[string]string
	err    error
}

func (m *mockSecrets) Resolve(_ context.Context, name string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.values[name], nil
}

func sampleContext() *Context {
	return &Context{
		TriggerType: domain.TriggerConversion,
		Timestamp:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		ExecutionID: "exec-1",
		PipelineID:  "pipe-1",
		TenantID:    "tenant-1",
		Payload: map[string]interface{}{
			"conversion": map[string]interface{}{
				"amount":   12.5,
				"currency": "BRL",
				"approved": true,
				"items": []interface{}{
					map[string]interface{}{"sku": "A1"},
				},
			},
			"click": map[string]interface{}{"id": "clk-9"},
		},
	}
}

func TestRender_Body(t *testing.T) {
	r := NewRenderer(&mockSecrets{values: map[string]string{"API_KEY": "s3cr3t"}})

	tmpl := map[string]interface{}{
		"event":    "{{trigger_type}}",
		"at":       "{{ timestamp }}",
		"amount":   "{{conversion.amount}}",
		"label":    "valor {{conversion.amount}} {{conversion.currency}}",
		"sku":      "{{conversion.items[0].sku}}",
		"missing":  "{{conversion.nao_existe}}",
		"key":      "{{env.API_KEY}}",
		"fixed":    10,
		"nested":   map[string]interface{}{"click": "{{payload.click.id}}"},
		"list":     []interface{}{"{{execution_id}}", "{{tenant_id}}"},
		"approved": "{{conversion.approved}}",
	}

	out, res, err := r.Render(context.Background(), tmpl, sampleContext())
	require.NoError(t, err)
	assert.True(t, res.UsedSecret)

	body := out.(map[string]interface{})
	assert.Equal(t, "conversion", body["event"])
	assert.Equal(t, "2025-03-01T12:00:00Z", body["at"])
	assert.Equal(t, 12.5, body["amount"], "placeholder único mantém o tipo")
	assert.Equal(t, "valor 12.5 BRL", body["label"])
	assert.Equal(t, "A1", body["sku"])
	assert.Equal(t, "", body["missing"], "caminho ausente vira vazio")
	assert.Equal(t, "s3cr3t", body["key"])
	assert.Equal(t, 10, body["fixed"])
	assert.Equal(t, map[string]interface{}{"click": "clk-9"}, body["nested"])
	assert.Equal(t, []interface{}{"exec-1", "tenant-1"}, body["list"])
	assert.Equal(t, true, body["approved"])
}

func TestRender_DoesNotMutateTemplate(t *testing.T) {
	r := NewRenderer(nil)
	tmpl := map[string]interface{}{"a": "{{click.id}}"}

	_, _, err := r.Render(context.Background(), tmpl, sampleContext())
	require.NoError(t, err)
	assert.Equal(t, "{{click.id}}", tmpl["a"])
}

func TestRenderString(t *testing.T) {
	r := NewRenderer(nil)

	t.Run("Sem placeholders", func(t *testing.T) {
		out, _, err := r.RenderString(context.Background(), "texto fixo", sampleContext())
		require.NoError(t, err)
		assert.Equal(t, "texto fixo", out)
	})

	t.Run("Objeto vira JSON", func(t *testing.T) {
		out, _, err := r.RenderString(context.Background(), "{{click}}", sampleContext())
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"clk-9"}`, out)
	})

	t.Run("env sem resolvedor vira vazio", func(t *testing.T) {
		out, res, err := r.RenderString(context.Background(), "Bearer {{env.TOKEN}}", sampleContext())
		require.NoError(t, err)
		assert.Equal(t, "Bearer ", out)
		assert.False(t, res.UsedSecret)
	})
}

func TestRender_SecretError(t *testing.T) {
	r := NewRenderer(&mockSecrets{err: errors.New("ssm indisponível")})

	_, _, err := r.Render(context.Background(), "{{env.KEY}}", sampleContext())
	assert.ErrorContains(t, err, "ssm indisponível")
}

func TestRender_DepthLimit(t *testing.T) {
	r := NewRenderer(nil)
	var tmpl interface{} = "{{click.id}}"
	for i := 0; i < defaultMaxDepth+2; i++ {
		tmpl = map[string]interface{}{"n": tmpl}
	}

	_, _, err := r.Render(context.Background(), tmpl, sampleContext())
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestLookup(t *testing.T) {
	data := sampleContext().Payload

	cases := []struct {
		path  string
		want  interface{}
		found bool
	}{
		{"conversion.currency", "BRL", true},
		{"conversion.items[0].sku", "A1", true},
		{"conversion.items[3].sku", nil, false},
		{"conversion.currency.x", nil, false},
		{"conversion..currency", nil, false},
		{"conversion.items[x]", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			got, ok := Lookup(data, tc.path)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPlaceholders(t *testing.T) {
	tmpl := map[string]interface{}{
		"a": "{{click.id}} e {{env.KEY}}",
		"b": []interface{}{"{{click.id}}", "{{trigger_type}}"},
	}
	assert.ElementsMatch(t, []string{"click.id", "env.KEY", "trigger_type"}, Placeholders(tmpl))
}

func TestNewContext(t *testing.T) {
	exec := &domain.Execution{
		ID:             "e1",
		TriggerType:    domain.TriggerClick,
		TriggerPayload: []byte(`{"click":{"id":"c1"}}`),
	}
	rc, err := NewContext(exec)
	require.NoError(t, err)
	v, ok := Lookup(rc.Payload, "click.id")
	assert.True(t, ok)
	assert.Equal(t, "c1", v)

	_, err = NewContext(&domain.Execution{TriggerPayload: []byte(`{invalid`)})
	assert.Error(t, err)
}
