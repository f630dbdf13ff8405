// Package rules avalia as condições CEL que decidem se um step deve rodar.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
)

// RuleManager compila e avalia expressões CEL. Programas compilados ficam em cache
// por expressão, pois a mesma condição roda a cada execução do pipeline.
type RuleManager struct {
	env      *cel.Env
	programs sync.Map // expressão -> cel.Program
}

// NewRuleManager inicializa o ambiente CEL com as variáveis expostas às condições.
func NewRuleManager() (*RuleManager, error) {
	env, err := cel.NewEnv(
		cel.CrossTypeNumericComparisons(true),
		cel.Variable("payload", cel.DynType), // payload do gatilho
		cel.Variable("trigger_type", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("pipeline_id", cel.StringType),
		cel.Variable("execution_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("erro fatal CEL init: %w", err)
	}
	return &RuleManager{env: env}, nil
}

// Vars monta a ativação CEL a partir da execução e do payload já decodificado.
func Vars(exec *domain.Execution, payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"payload":      payload,
		"trigger_type": string(exec.TriggerType),
		"tenant_id":    exec.TenantID,
		"pipeline_id":  exec.PipelineID,
		"execution_id": exec.ID,
	}
}

// EvaluateBool avalia uma condição. Expressão vazia aprova.
func (rm *RuleManager) EvaluateBool(expression string, vars map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil
	}

	prg, err := rm.program(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("erro execução CEL: %w", err)
	}

	if val, ok := out.Value().(bool); ok {
		return val, nil
	}
	return false, fmt.Errorf("resultado da condição '%s' não é booleano", expression)
}

// Check compila a expressão sem avaliar; usado na validação do catálogo.
func (rm *RuleManager) Check(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := rm.program(expression)
	return err
}

func (rm *RuleManager) program(expr string) (cel.Program, error) {
	if cached, ok := rm.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}

	ast, issues := rm.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("erro compilação CEL '%s': %w", expr, issues.Err())
	}
	prg, err := rm.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("erro ao gerar programa CEL: %w", err)
	}

	rm.programs.Store(expr, prg)
	return prg, nil
}
