// Package main provides the relimq rescue server executable with HTTP API.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coregx/relimq"
	amqpadapter "github.com/coregx/relimq/adapters/amqp"
	relicaadapter "github.com/coregx/relimq/adapters/relica"
	"github.com/coregx/relimq/cmd/relimq-server/internal/api"
	"github.com/coregx/relimq/cmd/relimq-server/internal/config"
	"github.com/coregx/relimq/retry"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SimpleLogger implements relimq.Logger for standard logging.
type SimpleLogger struct{}

func (l *SimpleLogger) Debugf(format string, args ...interface{}) {
	log.Printf("[DEBUG] "+format, args...)
}
func (l *SimpleLogger) Infof(format string, args ...interface{}) {
	log.Printf("[INFO] "+format, args...)
}
func (l *SimpleLogger) Warnf(format string, args ...interface{}) {
	log.Printf("[WARN] "+format, args...)
}
func (l *SimpleLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[ERROR] "+format, args...)
}
func (l *SimpleLogger) Info(message string) {
	log.Printf("[INFO] %s", message)
}

func main() {
	log.Println("🚀 Starting relimq Rescue Server v0.1.0...")

	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("📝 Configuration loaded:")
	log.Printf("   Server: %s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("   Database: %s (%s:%d)", cfg.Database.Driver, cfg.Database.Host, cfg.Database.Port)
	log.Printf("   Broker: %s", cfg.Broker.URL)
	log.Printf("   Send max attempts: %d", cfg.Relimq.SendMaxAttempts)

	// Connect to database
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.GetDSN())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("Failed to close database: %v", closeErr)
		}
	}()

	// Test connection
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Println("✅ Database connection established")

	// Create logger
	logger := &SimpleLogger{}

	// Create store and transaction runner using Relica adapters
	store := relicaadapter.NewMessageStoreWithPrefix(db, cfg.Database.Driver, cfg.Database.Prefix)
	txRunner := relicaadapter.NewTxRunnerWithPrefix(db, cfg.Database.Driver, cfg.Database.Prefix)
	log.Println("✅ Message store initialized (Relica adapter)")

	// Connect to the broker
	gateway, err := amqpadapter.NewGateway(
		amqpadapter.WithURL(cfg.Broker.URL),
		amqpadapter.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer func() {
		if closeErr := gateway.Close(); closeErr != nil {
			log.Printf("Failed to close broker connection: %v", closeErr)
		}
	}()
	log.Println("✅ Broker connection established")

	// Create reminder sink
	var reminder relimq.Reminder
	if cfg.Relimq.EnableReminders {
		reminder = relimq.NewLoggingReminder(logger)
	} else {
		reminder = &relimq.NoopReminder{}
	}

	// Create Sender service
	sendPolicy := retry.DefaultSendPolicy()
	sendPolicy.MaxAttempts = cfg.Relimq.SendMaxAttempts

	sender, err := relimq.NewSender(
		relimq.WithSenderStore(store),
		relimq.WithSenderBroker(gateway),
		relimq.WithSenderLogger(logger),
		relimq.WithSenderRetryPolicy(sendPolicy),
		relimq.WithSenderReminder(reminder),
	)
	if err != nil {
		log.Fatalf("Failed to create sender: %v", err)
	}
	gateway.SetConfirmHandler(sender)
	log.Println("✅ Sender service created")

	// Create Rescue service
	rescue, err := relimq.NewRescue(
		relimq.WithRescueStore(store),
		relimq.WithRescueBroker(gateway),
		relimq.WithRescueSender(sender),
		relimq.WithRescueTxRunner(txRunner),
		relimq.WithRescueLogger(logger),
		relimq.WithRescueReminder(reminder),
	)
	if err != nil {
		log.Fatalf("Failed to create rescue service: %v", err)
	}
	log.Println("✅ Rescue service created")

	// Create API handler
	handler := api.NewHandler(rescue, logger)

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/queues/depth", handler.HandleQueueDepth)
	mux.HandleFunc("/api/v1/queues/drain", handler.HandleDrain)
	mux.HandleFunc("/api/v1/queues/purge", handler.HandlePurge)
	mux.HandleFunc("/api/v1/messages/send-failed", handler.HandleSendFailed)
	mux.HandleFunc("/api/v1/messages/consume-failed", handler.HandleConsumeFailed)
	mux.HandleFunc("/api/v1/messages/", handler.HandleMessage) // Note trailing slash for :id
	mux.HandleFunc("/api/v1/health", handler.HandleHealth)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(mux, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		log.Printf("🌐 HTTP server listening on %s", addr)
		log.Println("📡 API Endpoints:")
		log.Println("   GET    /api/v1/queues/depth?queue=name")
		log.Println("   POST   /api/v1/queues/drain")
		log.Println("   POST   /api/v1/queues/purge")
		log.Println("   GET    /api/v1/messages/send-failed")
		log.Println("   GET    /api/v1/messages/consume-failed")
		log.Println("   POST   /api/v1/messages/:id/resend")
		log.Println("   DELETE /api/v1/messages/:id")
		log.Println("   GET    /api/v1/health")
		log.Println()
		log.Println("✅ relimq Rescue Server is ready!")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped gracefully")
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler, logger relimq.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Infof("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
		logger.Debugf("%s %s - %v", r.Method, r.URL.Path, time.Since(start))
	})
}
