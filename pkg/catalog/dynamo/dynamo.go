// Package dynamo lê pipelines de uma tabela DynamoDB com chave (tenant_id, id).
// Cada item guarda um pipeline completo com os mesmos nomes de campo do JSON.
package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/raywall/fast-webhook-pipeline/pkg/catalog"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
)

const (
	attrTenant  = "tenant_id"
	attrID      = "id"
	attrTrigger = "trigger_type"
)

// Client define as operações do DynamoDB usadas pelo catálogo (permite Mocking).
type Client interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type Catalog struct {
	client  Client
	table   string
	idIndex string
}

var _ catalog.Catalog = (*Catalog)(nil)

// New cria o catálogo. idIndex é um GSI opcional com hash key "id"; sem ele Get usa Scan.
func New(client Client, table, idIndex string) *Catalog {
	return &Catalog{client: client, table: table, idIndex: idIndex}
}

func (c *Catalog) PipelinesFor(ctx context.Context, tenantID string, trigger domain.TriggerType) ([]domain.Pipeline, error) {
	keyCond := expression.Key(attrTenant).Equal(expression.Value(tenantID))
	filter := expression.Name(attrTrigger).Equal(expression.Value(string(trigger)))

	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamo catalog: falha ao montar expressão: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(c.table),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var out []domain.Pipeline
	for {
		page, err := c.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("dynamo catalog: query falhou: %w", err)
		}
		items, err := decode(page.Items)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)

		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
	return out, nil
}

func (c *Catalog) Get(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	var (
		items []map[string]types.AttributeValue
		err   error
	)
	if c.idIndex != "" {
		items, err = c.queryByID(ctx, pipelineID)
	} else {
		items, err = c.scanByID(ctx, pipelineID)
	}
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, catalog.ErrPipelineNotFound
	}

	list, err := decode(items[:1])
	if err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (c *Catalog) queryByID(ctx context.Context, pipelineID string) ([]map[string]types.AttributeValue, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key(attrID).Equal(expression.Value(pipelineID))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("dynamo catalog: falha ao montar expressão: %w", err)
	}

	out, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(c.table),
		IndexName:                 aws.String(c.idIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo catalog: query por id falhou: %w", err)
	}
	return out.Items, nil
}

func (c *Catalog) scanByID(ctx context.Context, pipelineID string) ([]map[string]types.AttributeValue, error) {
	expr, err := expression.NewBuilder().
		WithFilter(expression.Name(attrID).Equal(expression.Value(pipelineID))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("dynamo catalog: falha ao montar expressão: %w", err)
	}

	input := &dynamodb.ScanInput{
		TableName:                 aws.String(c.table),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	for {
		page, err := c.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("dynamo catalog: scan falhou: %w", err)
		}
		if len(page.Items) > 0 {
			return page.Items, nil
		}
		if len(page.LastEvaluatedKey) == 0 {
			return nil, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func decode(items []map[string]types.AttributeValue) ([]domain.Pipeline, error) {
	out := make([]domain.Pipeline, 0, len(items))
	for _, item := range items {
		var p domain.Pipeline
		if err := attributevalue.UnmarshalMapWithOptions(item, &p, withJSONTags); err != nil {
			return nil, fmt.Errorf("dynamo catalog: unmarshal falhou: %w", err)
		}
		for i := range p.Steps {
			if p.Steps[i].PipelineID == "" {
				p.Steps[i].PipelineID = p.ID
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Encode converte um pipeline no formato de item da tabela. Usado por ferramentas de carga e testes.
func Encode(p domain.Pipeline) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMapWithOptions(p, func(o *attributevalue.EncoderOptions) {
		o.TagKey = "json"
	})
}

func withJSONTags(o *attributevalue.DecoderOptions) {
	o.TagKey = "json"
}
