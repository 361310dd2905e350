package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livechat/internal/chat"
	"livechat/internal/config"
	"livechat/internal/delivery"
	"livechat/internal/dispatch"
	"livechat/internal/infrastructure/kafka"
	"livechat/internal/infrastructure/redis"
	"livechat/internal/store"
	"livechat/internal/store/memory"
	"livechat/internal/store/postgres"

	"github.com/joho/godotenv"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Application recovered from panic: %v", r)
			os.Exit(1)
		}
	}()

	_ = godotenv.Load()

	cfg := config.LoadConfig()

	log.Printf("Starting LiveChat Server")
	log.Printf("Environment: %s", cfg.Environment)
	log.Printf("Port: %s", cfg.Port)
	log.Printf("Redis: %s", cfg.RedisAddr())
	log.Printf("Kafka Brokers: %v", cfg.KafkaBrokers)
	log.Printf("CORS Origins: %s", cfg.GetCORSOrigins())
	log.Printf("Offer timeout: %v, average handling: %d min", cfg.Dispatch.OfferTimeout, cfg.Dispatch.AverageHandlingMinutes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := openStore(ctx, cfg)

	redisClient := redis.NewRedisClient(cfg.RedisAddr(), cfg.RedisPassword)
	var mirror *redis.RedisClient
	if err := redisClient.Ping(ctx); err != nil {
		log.Printf("Warning: Redis connection failed, presence mirror disabled: %v", err)
	} else {
		log.Println("Redis connection successful")
		mirror = redisClient
	}

	kafkaProducer := kafka.NewKafkaProducer(cfg.KafkaBrokers)

	svcCfg := chat.Config{
		Dispatch: dispatch.Config{
			OfferTimeout:           cfg.Dispatch.OfferTimeout,
			AverageHandlingMinutes: cfg.Dispatch.AverageHandlingMinutes,
		},
		SendBuffer: cfg.Dispatch.SendBuffer,
	}
	var svc *chat.Service
	if mirror != nil {
		svc = chat.NewService(svcCfg, st, kafkaProducer, mirror)
	} else {
		svc = chat.NewService(svcCfg, st, kafkaProducer, nil)
	}
	if err := svc.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap chat service: %v", err)
	}
	go svc.Run(ctx)

	kafkaConsumer := kafka.NewKafkaConsumer(
		cfg.KafkaBrokers,
		cfg.KafkaGroupID,
		[]string{kafka.TopicInboundMessages},
		svc,
	)

	var server *delivery.Server
	if mirror != nil {
		server = delivery.NewServer(cfg, svc, mirror, kafkaProducer)
	} else {
		server = delivery.NewServer(cfg, svc, nil, kafkaProducer)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutting down...")
		if err := server.Shutdown(); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}
		cancel()
		if err := kafkaConsumer.Close(); err != nil {
			log.Printf("Error closing Kafka consumer: %v", err)
		}
		if err := kafkaProducer.Close(); err != nil {
			log.Printf("Error closing Kafka producer: %v", err)
		}
		if err := redisClient.Close(); err != nil {
			log.Printf("Error closing Redis client: %v", err)
		}
		if err := st.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Kafka consumer goroutine recovered from panic: %v", r)
			}
		}()

		if err := kafkaConsumer.Start(ctx); err != nil {
			log.Printf("Kafka consumer error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatal(err)
	}
}

// openStore uses Postgres when DATABASE_URL is set, the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg *config.Config) store.Store {
	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL not set, using in-memory store")
		return memory.New()
	}
	pg, err := postgres.Connect(ctx, cfg.DatabaseURL, 2*time.Minute)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}
	log.Println("Postgres connection successful")
	return pg
}
