package rules

import (
	"testing"

	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateBool(t *testing.T) {
	rm, err := NewRuleManager()
	require.NoError(t, err)

	exec := &domain.Execution{ID: "e1", TenantID: "t1", PipelineID: "p1", TriggerType: domain.TriggerConversion}
	vars := Vars(exec, map[string]interface{}{
		"conversion": map[string]interface{}{"amount": 150.5, "status": "approved"},
	})

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"Vazia aprova", "", true},
		{"Campo do payload", "payload.conversion.status == 'approved'", true},
		{"Numérico com int", "payload.conversion.amount > 100", true},
		{"Numérico falso", "payload.conversion.amount < 10.0", false},
		{"Tipo do gatilho", "trigger_type == 'conversion' && tenant_id == 't1'", true},
		{"Presença de campo", "has(payload.conversion.affiliate)", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rm.EvaluateBool(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateBool_Errors(t *testing.T) {
	rm, _ := NewRuleManager()
	vars := Vars(&domain.Execution{}, nil)

	_, err := rm.EvaluateBool("payload.", vars)
	assert.Error(t, err, "sintaxe inválida")

	_, err = rm.EvaluateBool("'texto'", vars)
	assert.Error(t, err, "resultado não booleano")

	_, err = rm.EvaluateBool("payload.ausente.campo == 1", vars)
	assert.Error(t, err, "acesso a campo inexistente")
}

func TestCheck(t *testing.T) {
	rm, _ := NewRuleManager()
	assert.NoError(t, rm.Check(""))
	assert.NoError(t, rm.Check("payload.a == 1"))
	assert.Error(t, rm.Check("variavel_desconhecida == 1"))
}

func TestProgramCache(t *testing.T) {
	rm, _ := NewRuleManager()
	_, err := rm.EvaluateBool("tenant_id == 't1'", Vars(&domain.Execution{TenantID: "t1"}, nil))
	require.NoError(t, err)

	_, ok := rm.programs.Load("tenant_id == 't1'")
	assert.True(t, ok)
}
