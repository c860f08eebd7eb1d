// syndicated is the feed ingestion daemon: it owns the database and serves
// the refresh/source API, including the SSE progress stream.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/abelbrown/syndicate/internal/config"
	"github.com/abelbrown/syndicate/internal/feed"
	"github.com/abelbrown/syndicate/internal/fetch"
	"github.com/abelbrown/syndicate/internal/icon"
	"github.com/abelbrown/syndicate/internal/logging"
	"github.com/abelbrown/syndicate/internal/refresh"
	"github.com/abelbrown/syndicate/internal/server"
	"github.com/abelbrown/syndicate/internal/store"
)

func main() {
	seedPath := flag.String("seed", "", "file with one feed URL per line to import on startup")
	flag.Parse()

	if err := logging.Init(); err != nil {
		log.Fatalf("Failed to init logging: %v", err)
	}
	defer logging.Close()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("failed to load config", "err", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		logging.Fatal("failed to create data directory", "err", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logging.Fatal("failed to open database", "err", err)
	}
	defer st.Close()

	if *seedPath != "" {
		if err := seedSources(st, *seedPath); err != nil {
			logging.Fatal("failed to seed sources", "err", err)
		}
	}

	p := cfg.Pipeline
	fetcher := fetch.New(fetch.Config{
		Timeout:     p.FetchTimeout(),
		Retries:     p.FetchRetries,
		BackoffBase: p.BackoffBase(),
		BackoffCap:  p.BackoffCap(),
		PerHostRPS:  2,
	})
	icons := icon.New(icon.Config{Timeout: p.IconTimeout(), Retries: p.IconRetries})
	orch := refresh.New(st, fetcher, feed.NewParser(), feed.NewNormalizer(p.SummaryMaxRunes), icons, refresh.Config{
		BatchSize:     p.BatchSize,
		SourceTimeout: p.SourceTimeout(),
		GlobalTimeout: p.GlobalTimeout(),
	})

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.New(st, orch, p.Keepalive()),
		// No WriteTimeout: the refresh stream is long-lived by design.
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logging.Info("listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("server failed", "err", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("shutdown incomplete", "err", err)
	}
}

// seedSources imports a plain list of feed URLs, skipping blanks, comments,
// and URLs already subscribed.
func seedSources(st *store.Store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := st.AddSource(line, "", 0); err != nil {
			// UNIQUE violation on re-seed is expected
			logging.Debug("seed skip", "url", line, "err", err)
			continue
		}
		logging.Info("seeded source", "url", line)
	}
	return scanner.Err()
}
