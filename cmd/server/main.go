package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"lostfound/pkg/api"
	"lostfound/pkg/auth"
	"lostfound/pkg/discussion"
	"lostfound/pkg/drafts"
	"lostfound/pkg/drafts/memdb"
	"lostfound/pkg/drafts/mongo"
	"lostfound/pkg/models"
	"lostfound/pkg/remote"
)

type Config struct {
	ServiceName string `toml:"serviceName"`

	HTTPAddr   string `toml:"httpAddr"`
	LogLevel   string `toml:"logLevel"`
	KafkaAddr  string `toml:"kafkaAddr"`
	KafkaTopic string `toml:"kafkaTopic"`
	KafkaBatch int    `toml:"kafkaBatch"`

	CommentStoreURL string `toml:"commentStoreURL"`
	Timeout         string `toml:"timeout"`
	PageSize        int    `toml:"pageSize"`
	MaxBodyLen      int    `toml:"maxBodyLen"`
	// Discussions bounds how many item discussions are held in memory.
	Discussions int `toml:"discussions"`
	// Drafts is "memory" or "mongo". Mongo is configured through MONGO_* variables.
	Drafts string `toml:"drafts"`

	User   models.User       `toml:"user"`
	Owners map[string]string `toml:"owners"`
}

func main() {
	var (
		configPath string
		httpAddr   string
		logLevel   string
		kafkaAddr  string
		kafkaTopic string
		kafkaBatch int
		storeURL   string
		draftsKind string
	)

	flag.StringVar(&configPath, "servconf", "cmd/server/config.toml", "Path to TOML config file")
	flag.StringVar(&httpAddr, "http", "", "HTTP server address in the form 'host:port'.")
	flag.StringVar(&logLevel, "log", "", "Log level: debug, info, warn, error.")
	flag.StringVar(&kafkaAddr, "kafka", "", "Kafka server address in the form 'host:port'.")
	flag.StringVar(&kafkaTopic, "topic", "", "Kafka topic.")
	flag.IntVar(&kafkaBatch, "batch", 0, "Kafka batch size.")
	flag.StringVar(&storeURL, "store", "", "Base URL of the comment store.")
	flag.StringVar(&draftsKind, "drafts", "", "Draft storage: memory, mongo.")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debugf("[server] no .env file loaded: %v", err)
	}

	var cfg Config
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		log.Fatalf("[server] failed to load config file %s: %v", configPath, err)
	}

	// Override config with flags if set
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if kafkaAddr != "" {
		cfg.KafkaAddr = kafkaAddr
	}
	if kafkaTopic != "" {
		cfg.KafkaTopic = kafkaTopic
	}
	if kafkaBatch != 0 {
		cfg.KafkaBatch = kafkaBatch
	}
	if storeURL != "" {
		cfg.CommentStoreURL = storeURL
	}
	if draftsKind != "" {
		cfg.Drafts = draftsKind
	}

	if !strings.Contains(cfg.HTTPAddr, ":") {
		log.Warn("[server] use ':' before port number, e.g. ':8080'")
	}

	switch cfg.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	}

	timeout := discussion.DefaultTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			log.Fatalf("[server] invalid timeout %q: %v", cfg.Timeout, err)
		}
		timeout = d
	}

	if cfg.CommentStoreURL == "" {
		log.Fatal("[server] comment store URL is not configured")
	}
	client := remote.NewClient(cfg.CommentStoreURL, timeout)

	store, closeDrafts := openDrafts(cfg.Drafts)
	defer closeDrafts()

	// Kafka request log; a nil interface keeps it off.
	var requestLog *kafka.Writer
	if cfg.KafkaAddr != "" && cfg.KafkaTopic != "" {
		requestLog = &kafka.Writer{
			Addr:      kafka.TCP(cfg.KafkaAddr),
			Topic:     cfg.KafkaTopic,
			BatchSize: cfg.KafkaBatch,
		}
		err := createTopic(requestLog.Addr.String(), requestLog.Topic)
		if err != nil {
			log.Warnf("[server] failed to create Kafka topic: %v", err)
		}
		defer requestLog.Close()
	} else {
		log.Warnf("[server] kafka was not configured, logs will not be sent to Kafka")
	}

	session := auth.NewLocal(cfg.User)
	session.OnLoginRequest(func() {
		log.Infof("[server] comment action needs a signed in user, set [user] in %s", configPath)
	})

	items := api.NewRegistry(func(itemID string) *discussion.Controller {
		return discussion.New(discussion.Config{
			ItemID:     itemID,
			OwnerID:    cfg.Owners[itemID],
			PageSize:   cfg.PageSize,
			Timeout:    timeout,
			MaxBodyLen: cfg.MaxBodyLen,
		}, session, client, client, store)
	}, cfg.Discussions)

	var srvAPI *api.API
	if requestLog != nil {
		srvAPI = api.New(cfg.ServiceName, items, requestLog)
	} else {
		srvAPI = api.New(cfg.ServiceName, items, nil)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srvAPI.Router(),
	}

	go func() {
		log.Infof("[server] starting on port %v", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[server] failed to start: %v", err)
			return
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownRelease()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("[server] HTTP server shutdown error: %v", err)
	} else {
		log.Info("[server] HTTP server shut down gracefully")
	}

	items.Close()
	log.Info("[server] discussions closed")
}

// openDrafts returns the configured draft store and a func releasing it.
func openDrafts(kind string) (drafts.Store, func()) {
	switch kind {
	case "mongo":
		conf, err := mongo.NewConfig()
		if err != nil {
			log.Fatalf("[server] failed to read Mongo config: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := mongo.New(ctx, conf)
		if err != nil {
			log.Fatalf("[server] failed to connect to Mongo %v: %v", conf, err)
		}
		if err := db.Ping(ctx); err != nil {
			log.Fatalf("[server] failed to initialize draft storage, DB connection not established: %v", err)
		}

		return db, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			db.Close(ctx)
			log.Info("[server] disconnected from DB")
		}
	case "memory", "":
		return memdb.New(), func() {}
	}

	log.Fatalf("[server] unknown draft storage %q", kind)
	return nil, nil
}

func createTopic(broker, topic string) error {
	conn, err := kafka.DialContext(context.Background(), "tcp", broker)
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
}
