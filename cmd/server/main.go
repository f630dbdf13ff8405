package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/raywall/fast-webhook-pipeline/pkg/awsconf"
	"github.com/raywall/fast-webhook-pipeline/pkg/config"
	"github.com/raywall/fast-webhook-pipeline/pkg/engine"
	"github.com/raywall/fast-webhook-pipeline/pkg/graphql"
	"github.com/raywall/fast-webhook-pipeline/pkg/secrets"
	"github.com/raywall/fast-webhook-pipeline/pkg/transport"
)

var (
	configPath string
	// Variáveis injetáveis para mocking
	serverStarter = transport.StartHTTPServer
	lambdaStarter = func(handler interface{}) { lambda.Start(handler) }
	sqsFactory    = newSQSClient
)

func init() {
	configPath = os.Getenv("CONFIG_FILE_PATH")
}

func main() {
	if configPath == "" {
		log.Fatalln("FATAL: CONFIG_FILE_PATH não definido")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configPath); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

// run contém a lógica principal testável
func run(ctx context.Context, cfgPath string) error {
	var s3Client config.S3Downloader
	if strings.HasPrefix(cfgPath, "s3://") {
		awsCfg, err := awsconf.Get(ctx, "")
		if err != nil {
			return err
		}
		s3Client = s3.NewFromConfig(awsCfg)
	}

	cfg, err := config.NewLoader(s3Client, secrets.NewConfigInjector("")).Load(ctx, cfgPath)
	if err != nil {
		return err
	}

	eng, err := engine.Build(ctx, cfg)
	if err != nil {
		return err
	}

	// Lambda não mantém workers vivos entre invocações; só aceita gatilhos.
	if cfg.Service.Runtime == "lambda" {
		lambdaStarter(transport.NewLambdaHandler(eng).Handle)
		return shutdown(eng)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := eng.Start(runCtx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if err := startConsumers(runCtx, &wg, cfg, eng); err != nil {
		cancel()
		_ = shutdown(eng)
		return err
	}

	var gql http.Handler
	if cfg.GraphQL.Enabled {
		ge, err := graphql.NewGraphQLEngine(eng)
		if err != nil {
			cancel()
			_ = shutdown(eng)
			return err
		}
		gql = ge
	}

	router := transport.NewRouter(eng, cfg.GraphQL.Route, gql)
	serveErr := serverStarter(runCtx, cfg.Service.Port, cfg.Service.GetTimeout(), router)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	cancel()
	wg.Wait()
	return errors.Join(serveErr, shutdown(eng))
}

func startConsumers(ctx context.Context, wg *sync.WaitGroup, cfg *config.EngineConfig, eng *engine.Engine) error {
	if cfg.Ingest.SQS.Enabled || cfg.Catalog.ReloadQueueURL != "" {
		client, err := sqsFactory(ctx)
		if err != nil {
			return err
		}
		if cfg.Ingest.SQS.Enabled {
			consumer := transport.NewSQSConsumer(client, cfg.Ingest.SQS.QueueURL, eng)
			wg.Add(1)
			go func() {
				defer wg.Done()
				consumer.Start(ctx)
			}()
		}
		if cfg.Catalog.ReloadQueueURL != "" {
			reloader := transport.NewSQSReloader(client, cfg.Catalog.ReloadQueueURL, eng)
			wg.Add(1)
			go func() {
				defer wg.Done()
				reloader.Start(ctx)
			}()
		}
	}

	if cfg.Ingest.Kafka.Enabled {
		k := cfg.Ingest.Kafka
		consumer := transport.NewKafkaConsumer(k.Brokers, k.GroupID, k.Topics, eng)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				eng.Logger.Error().Err(err).Msg("consumer Kafka encerrado com erro")
			}
		}()
	}
	return nil
}

func newSQSClient(ctx context.Context) (transport.SQSClient, error) {
	awsCfg, err := awsconf.Get(ctx, "")
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(awsCfg), nil
}

func shutdown(eng *engine.Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return eng.Shutdown(ctx)
}
