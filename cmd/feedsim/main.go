// cmd/feedsim runs a simulated market-data feed for local development.
//
// Config (env vars):
//
//	FEEDSIM_ADDR       listen address (default ":9001")
//	FEEDSIM_INTERVAL   tick period (default "250ms")
//	FEEDSIM_PRICES     comma-separated TOKEN:PRICE starting prices
//	FEEDSIM_ZERO_RATE  fraction of ticks with zero bid/ask (default "0.02")
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tradewatch/internal/marketdata/feedsim"

	"github.com/shopspring/decimal"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedsim] starting simulated feed...")

	addr := envOrDefault("FEEDSIM_ADDR", ":9001")
	interval, err := time.ParseDuration(envOrDefault("FEEDSIM_INTERVAL", "250ms"))
	if err != nil {
		log.Fatalf("[feedsim] FEEDSIM_INTERVAL: %v", err)
	}
	zeroRate, err := strconv.ParseFloat(envOrDefault("FEEDSIM_ZERO_RATE", "0.02"), 64)
	if err != nil {
		log.Fatalf("[feedsim] FEEDSIM_ZERO_RATE: %v", err)
	}

	sim := feedsim.New(feedsim.Config{
		Interval:      interval,
		ZeroQuoteRate: zeroRate,
		Prices:        parsePrices(os.Getenv("FEEDSIM_PRICES")),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sim.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", sim)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","service":"feedsim","clients":%d}`+"\n", sim.Clients())
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[feedsim] listening on %s (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

func parsePrices(s string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[feedsim] skipping invalid price entry: %q", part)
			continue
		}
		p, err := decimal.NewFromString(strings.TrimSpace(seg[1]))
		if err != nil {
			log.Printf("[feedsim] skipping invalid price entry: %q", part)
			continue
		}
		out[strings.TrimSpace(seg[0])] = p
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
