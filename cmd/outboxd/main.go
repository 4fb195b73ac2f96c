// Command outboxd runs the outbox HTTP API and DeliveryEngine in one
// process.
package main

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/technobok/outbox/internal/config"
	"github.com/technobok/outbox/internal/httpapi"
	"github.com/technobok/outbox/internal/metrics"
	"github.com/technobok/outbox/internal/queue/admin"
	"github.com/technobok/outbox/internal/queue/blobstore"
	"github.com/technobok/outbox/internal/queue/db"
	"github.com/technobok/outbox/internal/queue/deliverer"
	"github.com/technobok/outbox/internal/queue/deliverer/smtpsend"
	"github.com/technobok/outbox/internal/queue/submit"
	"github.com/technobok/outbox/util/devcert"
	"github.com/technobok/outbox/util/throttle"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	log.SetFlags(0)

	yamlPath := config.ConfigFilePath(os.Args[1:])
	cfg, err := config.Load(yamlPath, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("outboxd, version %s, starting at %s", version, time.Now())

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil && cfg.DatabasePath != filepath.Base(cfg.DatabasePath) {
		log.Fatalf("outboxd: create database directory: %v", err)
	}

	pool, err := db.Open(cfg.DatabasePath, 16)
	if err != nil {
		log.Fatalf("outboxd: open database: %v", err)
	}

	deliveryPool, err := db.Open(cfg.DatabasePath, 1)
	if err != nil {
		log.Fatalf("outboxd: open delivery database connection: %v", err)
	}

	messages := db.NewMessageRepo(pool)
	attachments := db.NewAttachmentRepo(pool)
	apiKeys := db.NewApiKeyRepo(pool)
	auditLogs := db.NewAuditLogRepo(pool)
	appSettings := db.NewAppSettingRepo(pool)

	instanceID, err := appSettings.InstanceID(context.Background())
	if err != nil {
		log.Fatalf("outboxd: instance id: %v", err)
	}
	log.Printf("outboxd: instance %s", instanceID)

	blobs := blobstore.New(cfg.BlobDirectory, cfg.BlobMaxSizeMB*1<<20)
	submitter := submit.New(pool, blobs, attachments, auditLogs, cfg.QueueMaxRetries)
	adminOps := admin.New(messages, apiKeys, auditLogs, cfg.QueueMaxRetries)

	deliveryMessages := db.NewMessageRepo(deliveryPool)
	deliveryAttachments := db.NewAttachmentRepo(deliveryPool)
	sender := smtpsend.NewRelaySender(smtpsend.RelayConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		StartTLS: cfg.SMTPStartTLS,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	})

	engine := deliverer.New(deliveryMessages, deliveryAttachments, blobs, sender, deliverer.Config{
		MaxRetries:       cfg.QueueMaxRetries,
		RetryBaseSeconds: cfg.QueueRetryBaseSeconds,
		RetryMaxSeconds:  cfg.QueueRetryMaxSeconds,
		BatchSize:        cfg.QueueBatchSize,
		PollInterval:     time.Duration(cfg.QueuePollIntervalSeconds) * time.Second,
		RetentionDays:    cfg.RetentionDays,
		DefaultSender:    cfg.MailDefaultSender,
	}, func(e deliverer.Entry) {
		entry := db.Log{Where: e.Where, What: e.What, When: time.Now().UTC(), Duration: e.Duration, Err: e.Err}
		if e.MsgUUID != "" {
			entry.Data = map[string]interface{}{"uuid": e.MsgUUID}
		}
		log.Print(entry.String())
	}, metrics.OnDeliveryResult, metrics.SetQueueDepth)

	server := &httpapi.Server{
		Messages:     messages,
		ApiKeys:      apiKeys,
		Submitter:    submitter,
		Admin:        adminOps,
		AuthThrottle: &throttle.Throttle{},
		Logf: func(entry db.Log) {
			log.Print(entry.String())
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", server.Router())
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmtWriteHealthz(w, instanceID)
	})

	var tlsConfig *tls.Config
	if cfg.Dev {
		log.Printf("***DEVELOPMENT MODE***")
		tlsConfig, err = devcert.Config()
		if err != nil {
			log.Fatal(err)
		}
	} else if cfg.HTTPAddr != "" {
		certManager := &autocert.Manager{
			Prompt: autocert.AcceptTOS,
			Cache:  autocert.DirCache(filepath.Join(filepath.Dir(cfg.DatabasePath), "tls_certs")),
		}
		tlsConfig = &tls.Config{GetCertificate: certManager.GetCertificate}
	}

	httpSrv := &http.Server{
		Addr:      cfg.HTTPAddr,
		Handler:   mux,
		TLSConfig: tlsConfig,
	}

	go func() {
		var err error
		if tlsConfig != nil {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("outboxd: http serve: %v", err)
		}
	}()

	go func() {
		if err := engine.Run(); err != nil {
			log.Printf("outboxd: delivery engine stopped: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		cancel()
	}()
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("outboxd: http shutdown: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		engine.Shutdown()
	}()
	wg.Wait()

	pool.Close()
	deliveryPool.Close()
	log.Printf("outboxd: shut down")
}

func fmtWriteHealthz(w http.ResponseWriter, instanceID string) {
	w.Write([]byte(`{"status":"ok","instance_id":"` + instanceID + `"}`))
}
