package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/persona-chat/internal/config"
	"github.com/suPer8Hu/persona-chat/internal/db"
	"github.com/suPer8Hu/persona-chat/internal/notify"
	"github.com/suPer8Hu/persona-chat/internal/store/rabbitmq"
)

// retrier is the part of the publisher the pool needs.
type retrier interface {
	PublishRetry(ctx context.Context, jobID string, attempt int, delay time.Duration) error
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err := db.Migrate(gdb); err != nil {
		slog.Error("migrate failed", "error", err)
		os.Exit(1)
	}

	repo := notify.NewRepo(gdb)
	proc := notify.NewProcessor(repo, notify.SinkFor(cfg.NotifyWebhookURL), notify.DefaultMaxAttempts)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		slog.Error("rabbit dial", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		slog.Error("rabbit channel", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		slog.Error("queue declare", "error", err)
		os.Exit(1)
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	if err := ch.Qos(concurrency, 0, false); err != nil {
		slog.Error("qos", "error", err)
		os.Exit(1)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		slog.Error("consume", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retries := rabbitmq.NewChannelPublisher(ch, cfg.RabbitQueue)
	slog.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency, "webhook", cfg.NotifyWebhookURL != "")

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, workerID, proc, retries, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				slog.Warn("delivery channel closed")
				stop()
				continue
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, workerID int, proc *notify.Processor, retries retrier, d amqp.Delivery) {
	var m rabbitmq.JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		slog.Warn("bad message", "worker", workerID, "error", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	outcome, err := proc.Handle(jctx, m.JobID)
	switch outcome {
	case notify.Delivered:
		if err := d.Ack(false); err != nil {
			slog.Warn("ack failed", "worker", workerID, "job_id", m.JobID, "error", err)
		}
		if cost := time.Since(start); cost > 2*time.Second {
			slog.Info("slow notification", "job_id", m.JobID, "cost", cost)
		}

	case notify.Retry:
		attempt := rabbitmq.AttemptOf(d.Headers) + 1
		if pubErr := retries.PublishRetry(jctx, m.JobID, attempt, notify.RetryDelay(attempt)); pubErr != nil {
			// back to the main queue right away rather than lose it
			slog.Warn("retry publish failed, requeueing", "job_id", m.JobID, "error", pubErr)
			_ = d.Nack(false, true)
			return
		}
		slog.Warn("notification attempt failed", "worker", workerID, "job_id", m.JobID, "attempt", attempt-1, "error", err)
		_ = d.Ack(false)

	default:
		// dead-letters to the .dlq queue
		slog.Error("notification given up", "worker", workerID, "job_id", m.JobID, "cost", time.Since(start), "error", err)
		_ = d.Nack(false, false)
	}
}
