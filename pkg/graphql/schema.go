package graphql

import (
	"github.com/graphql-go/graphql"
)

func buildSchema(r *resolver) (graphql.Schema, error) {
	attemptType := graphql.NewObject(graphql.ObjectConfig{
		Name: "StepAttempt",
		Fields: graphql.Fields{
			"id":            {Type: graphql.ID},
			"stepId":        {Type: graphql.String},
			"stepOrder":     {Type: graphql.Int},
			"attemptNumber": {Type: graphql.Int},
			"failover":      {Type: graphql.Boolean},
			"httpStatus":    {Type: graphql.Int},
			"responseBody":  {Type: graphql.String},
			"error":         {Type: graphql.String},
			"outcome":       {Type: graphql.String},
			"latencyMs":     {Type: graphql.Float, Resolve: attemptLatency},
			"url":           {Type: graphql.String, Resolve: attemptURL},
			"createdAt":     {Type: graphql.DateTime},
		},
	})

	executionType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Execution",
		Fields: graphql.Fields{
			"id":                {Type: graphql.ID},
			"tenantId":          {Type: graphql.String},
			"pipelineId":        {Type: graphql.String},
			"triggerType":       {Type: graphql.String},
			"triggerPayload":    {Type: graphql.String, Resolve: executionPayload},
			"status":            {Type: graphql.String},
			"currentStep":       {Type: graphql.Int},
			"failedSteps":       {Type: graphql.Int},
			"failoverDelivered": {Type: graphql.Boolean},
			"lastError":         {Type: graphql.String},
			"correlationId":     {Type: graphql.String},
			"sourceDlqItemId":   {Type: graphql.String},
			"createdAt":         {Type: graphql.DateTime},
			"startedAt":         {Type: graphql.DateTime},
			"completedAt":       {Type: graphql.DateTime},
			"attempts":          {Type: graphql.NewList(attemptType)},
		},
	})

	dlqType := graphql.NewObject(graphql.ObjectConfig{
		Name: "DLQItem",
		Fields: graphql.Fields{
			"id":               {Type: graphql.ID},
			"executionId":      {Type: graphql.String},
			"tenantId":         {Type: graphql.String},
			"pipelineId":       {Type: graphql.String},
			"triggerType":      {Type: graphql.String},
			"failedAt":         {Type: graphql.DateTime},
			"attempts":         {Type: graphql.Int},
			"lastError":        {Type: graphql.String},
			"payload":          {Type: graphql.String, Resolve: dlqPayload},
			"retriedAt":        {Type: graphql.DateTime},
			"retryExecutionId": {Type: graphql.String},
		},
	})

	statsType := graphql.NewObject(graphql.ObjectConfig{
		Name: "PipelineStats",
		Fields: graphql.Fields{
			"pipelineId":       {Type: graphql.String},
			"executions":       {Type: graphql.Int},
			"succeeded":        {Type: graphql.Int},
			"failed":           {Type: graphql.Int},
			"deadLettered":     {Type: graphql.Int},
			"inFlight":         {Type: graphql.Int},
			"attempts":         {Type: graphql.Int},
			"successRate":      {Type: graphql.Float},
			"avgLatencyMillis": {Type: graphql.Float},
			"p95LatencyMillis": {Type: graphql.Float},
		},
	})

	listArgs := graphql.FieldConfigArgument{
		"tenantId":   {Type: graphql.String},
		"pipelineId": {Type: graphql.String},
		"status":     {Type: graphql.NewList(graphql.String)},
		"since":      {Type: graphql.DateTime},
		"limit":      {Type: graphql.Int},
	}

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"execution": {
				Type:    executionType,
				Args:    graphql.FieldConfigArgument{"id": {Type: graphql.NewNonNull(graphql.ID)}},
				Resolve: r.execution,
			},
			"executions": {
				Type:    graphql.NewList(executionType),
				Args:    listArgs,
				Resolve: r.executions,
			},
			"failedExecutions": {
				Type:    graphql.NewList(executionType),
				Args:    listArgs,
				Resolve: r.failedExecutions,
			},
			"dlqItem": {
				Type:    dlqType,
				Args:    graphql.FieldConfigArgument{"id": {Type: graphql.NewNonNull(graphql.ID)}},
				Resolve: r.dlqItem,
			},
			"dlq": {
				Type: graphql.NewList(dlqType),
				Args: graphql.FieldConfigArgument{
					"tenantId":       {Type: graphql.String},
					"pipelineId":     {Type: graphql.String},
					"includeRetried": {Type: graphql.Boolean},
					"limit":          {Type: graphql.Int},
				},
				Resolve: r.dlq,
			},
			"pipelineStats": {
				Type: statsType,
				Args: graphql.FieldConfigArgument{
					"pipelineId": {Type: graphql.NewNonNull(graphql.String)},
					"since":      {Type: graphql.DateTime},
				},
				Resolve: r.stats,
			},
			"triggerTypes":   {Type: graphql.NewList(graphql.String), Resolve: r.triggerTypes},
			"signatureModes": {Type: graphql.NewList(graphql.String), Resolve: r.signatureModes},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: query})
}
