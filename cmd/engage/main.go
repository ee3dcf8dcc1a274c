package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"engagestack.local/engage-core/internal/audience"
	"engagestack.local/engage-core/internal/campaign"
	"engagestack.local/engage-core/internal/config"
	"engagestack.local/engage-core/internal/conversation"
	"engagestack.local/engage-core/internal/customer"
	"engagestack.local/engage-core/internal/db"
	"engagestack.local/engage-core/internal/httpapi"
	"engagestack.local/engage-core/internal/model"
	"engagestack.local/engage-core/internal/queue"
	"engagestack.local/engage-core/internal/ratelimit"
	"engagestack.local/engage-core/internal/runtime"
	"engagestack.local/engage-core/internal/sandbox"
	"engagestack.local/engage-core/internal/workflow"
)

func main() {
	logger := log.New(os.Stdout, "engage ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	gormDB, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}

	convStore, err := conversation.NewStore(gormDB)
	if err != nil {
		logger.Fatalf("initialize conversation store: %v", err)
	}
	custStore, err := customer.NewStore(gormDB)
	if err != nil {
		logger.Fatalf("initialize customer store: %v", err)
	}
	wfStore, err := workflow.NewStore(gormDB)
	if err != nil {
		logger.Fatalf("initialize workflow store: %v", err)
	}
	campStore, err := campaign.NewStore(gormDB)
	if err != nil {
		logger.Fatalf("initialize campaign store: %v", err)
	}
	audienceStore, err := audience.NewGormStore(gormDB)
	if err != nil {
		logger.Fatalf("initialize audience store: %v", err)
	}

	models := model.NewRegistry()
	if cfg.AnthropicAPIKey != "" {
		models.Register("anthropic", model.NewAnthropicProvider(cfg.AnthropicAPIKey))
	}
	if cfg.OpenAIAPIKey != "" {
		models.Register("openai", model.NewOpenAIProvider(cfg.OpenAIAPIKey))
	}

	var sendQueue queue.Queue
	if len(cfg.KafkaBrokers) > 0 {
		sendQueue = queue.NewKafkaQueue(cfg.KafkaBrokers, cfg.SendQueueTopic)
	} else {
		logger.Printf("no kafka brokers configured, using in-memory send queue")
		sendQueue = queue.NewMemoryQueue()
	}
	defer func() {
		if err := sendQueue.Close(); err != nil {
			logger.Printf("send queue close error: %v", err)
		}
	}()

	runner := sandbox.New(cfg.SandboxEndpoint, sandbox.WithTimeout(cfg.SandboxTimeout))
	voice := campaign.NewHTTPVoiceDispatcher(cfg.VoiceDispatchURL)

	var host *runtime.Host
	customers := &customerDirectory{}

	factory := func(name string, inst *runtime.Instance) (runtime.Actor, error) {
		switch {
		case strings.HasPrefix(name, httpapi.PrefixConversation):
			id := strings.TrimPrefix(name, httpapi.PrefixConversation)
			return conversation.NewActor(logger, convStore, models, id, inst), nil
		case strings.HasPrefix(name, httpapi.PrefixCustomer):
			id := strings.TrimPrefix(name, httpapi.PrefixCustomer)
			return customer.NewActor(logger, custStore, models, id), nil
		case strings.HasPrefix(name, httpapi.PrefixRateLimit):
			return ratelimit.NewActor(logger, inst), nil
		case strings.HasPrefix(name, httpapi.PrefixWorkflow):
			id := strings.TrimPrefix(name, httpapi.PrefixWorkflow)
			deps := workflow.ActorDeps{
				Logger:    logger,
				Store:     wfStore,
				Models:    models,
				SendQueue: sendQueue,
				Customers: customers,
				Runner:    runner,
			}
			return workflow.NewActor(deps, id, inst), nil
		case strings.HasPrefix(name, httpapi.PrefixCampaign):
			id := strings.TrimPrefix(name, httpapi.PrefixCampaign)
			deps := campaign.ActorDeps{
				Logger:    logger,
				Store:     campStore,
				Audience:  audienceStore,
				SendQueue: sendQueue,
				Voice:     voice,
			}
			return campaign.NewActor(deps, id, inst), nil
		}
		return nil, fmt.Errorf("unknown instance name %q", name)
	}

	host = runtime.NewHost(logger, factory)
	customers.host = host
	defer host.Close()

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	if len(cfg.KafkaBrokers) > 0 && cfg.SMTPAddr != "" {
		deliveryLog, err := queue.NewGormDeliveryLog(gormDB)
		if err != nil {
			logger.Fatalf("initialize delivery log: %v", err)
		}
		sender := queue.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPFrom)
		consumer := queue.NewKafkaConsumer(logger, cfg.KafkaBrokers, cfg.SendQueueTopic, "engage-send", sender, deliveryLog)
		go func() {
			if err := consumer.Run(consumerCtx); err != nil {
				logger.Printf("send consumer stopped: %v", err)
			}
		}()
	} else {
		logger.Printf("send consumer disabled (kafka brokers and smtp addr both required)")
	}

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, host)

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("server shutdown error: %v", err)
	}
}

// customerDirectory routes workflow-initiated mutations through the runtime
// host so they serialize with the owning customer actor's other turns.
type customerDirectory struct {
	host *runtime.Host
}

func (d *customerDirectory) instance(customerID string) (*runtime.Instance, *customer.Actor, error) {
	inst, err := d.host.Get(httpapi.PrefixCustomer + customerID)
	if err != nil {
		return nil, nil, err
	}
	actor, ok := inst.Actor().(*customer.Actor)
	if !ok {
		return nil, nil, fmt.Errorf("instance %s is not a customer actor", inst.Name())
	}
	return inst, actor, nil
}

func (d *customerDirectory) AddTag(ctx context.Context, customerID, tag string) error {
	inst, actor, err := d.instance(customerID)
	if err != nil {
		return err
	}
	return inst.Do(ctx, func(ctx context.Context) error {
		_, err := actor.AddTag(ctx, tag)
		return err
	})
}

func (d *customerDirectory) RemoveTag(ctx context.Context, customerID, tag string) error {
	inst, actor, err := d.instance(customerID)
	if err != nil {
		return err
	}
	return inst.Do(ctx, func(ctx context.Context) error {
		_, err := actor.RemoveTag(ctx, tag)
		return err
	})
}

func (d *customerDirectory) UpdateField(ctx context.Context, customerID, field, value string) error {
	inst, actor, err := d.instance(customerID)
	if err != nil {
		return err
	}
	return inst.Do(ctx, func(ctx context.Context) error {
		_, err := actor.UpdateField(ctx, field, value)
		return err
	})
}
