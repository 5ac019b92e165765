package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"outreachflow/campaign"
	"outreachflow/contact"
	"outreachflow/db"
	"outreachflow/enrollment"
	"outreachflow/event"
	"outreachflow/message"
	"outreachflow/query"
	"outreachflow/ratelimit"
	"outreachflow/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on environment")
	}

	ctx := context.Background()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	campaignRepo := campaign.NewRepository(pool)
	contactRepo := contact.NewRepository(pool)
	enrollmentRepo := enrollment.NewRepository(pool)
	eventRepo := event.NewRepository(pool)
	messageRepo := message.NewRepository(pool)
	accountRepo := ratelimit.NewAccountRepository(pool)

	server := &Server{
		ingestor:    webhook.NewIngestor(pool, eventRepo, contactRepo, enrollmentRepo, messageRepo, campaignRepo),
		campaigns:   campaign.NewService(campaignRepo),
		enrollments: enrollment.NewService(pool, enrollmentRepo, contactRepo, campaignRepo, accountRepo),
		tags:        enrollmentRepo,
		queries:     query.NewRepository(pool),
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	log.Printf("api listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
