// Package fastwebhookpipeline é uma engine de entrega de webhooks multi-tenant.
//
// Visão Geral:
// Eventos de domínio (gatilhos) chegam por HTTP, SQS, Lambda ou Kafka e são roteados
// para os pipelines ativos do tenant. Cada pipeline é uma sequência ordenada de steps
// HTTP com template de body, assinatura (HMAC ou JWT), condição CEL e política de retry
// própria. Execuções que esgotam as tentativas passam pelo failover do pipeline e, se
// ele também falhar, vão para a DLQ, de onde podem ser reenviadas.
//
// Sub-Pacotes Principais:
//
// 1. pkg/engine:
//   - Fachada da engine e montagem de todos os componentes a partir do YAML (Build).
//   - Recuperação de execuções pendentes no boot e shutdown gracioso.
//
// 2. pkg/pipeline, pkg/delivery, pkg/retry:
//   - Máquina de estados da execução, envio HTTP com circuit breaker e cálculo de backoff.
//
// 3. pkg/store, pkg/scheduler, pkg/catalog:
//   - Persistência (memória ou Postgres), wake-ups de retry (memória ou Redis) e
//     catálogo de pipelines (arquivo, S3 ou DynamoDB, com cache Redis opcional).
//
// 4. pkg/transport, pkg/graphql:
//   - API REST (gorilla/mux), consultas GraphQL e consumidores de gatilhos.
//
// O binário fica em cmd/server e lê a configuração de CONFIG_FILE_PATH
// (arquivo local ou s3://bucket/chave).
package fastwebhookpipeline
