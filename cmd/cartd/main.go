package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/storefront/pkg/cartapi"
	sfotel "github.com/wilhg/storefront/pkg/otel"
	"github.com/wilhg/storefront/pkg/store"
	"github.com/wilhg/storefront/pkg/store/entstore"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var (
		showVersion bool
		addr        string
		dbURL       string
		seed        string
		tokenTTL    time.Duration
	)
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&addr, "addr", getEnv("CARTD_ADDR", ":5000"), "http listen address")
	flag.StringVar(&dbURL, "db", getEnv("DATABASE_URL", "sqlite:file:cartd.sqlite?cache=shared&_pragma=busy_timeout(5000)"), "database url (sqlite: or postgres://)")
	flag.StringVar(&seed, "seed", getEnv("CARTD_SEED", ""), "JSON file of products to load at startup")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of issued access tokens")
	flag.Parse()

	if showVersion {
		fmt.Printf("cartd %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := sfotel.Init(ctx, sfotel.Config{ServiceName: "cartd", ServiceVersion: version, UseStdout: sfotel.Enabled(os.Getenv("CARTD_TRACE"))})
	if err != nil {
		log.WithError(err).Fatal("otel init")
	}
	defer func() { _ = shutdown(context.Background()) }()

	st, err := entstore.Open(ctx, dbURL)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("migrate")
	}
	if seed != "" {
		if err := seedProducts(ctx, st, seed); err != nil {
			log.WithError(err).Fatal("seed products")
		}
	}

	server := &http.Server{Addr: addr, Handler: buildMux(st, cartapi.WithLogger(log), cartapi.WithTokenTTL(tokenTTL))}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
	}()
	log.WithFields(logrus.Fields{"addr": addr, "version": version}).Info("cartd listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func buildMux(st store.Backend, opts ...cartapi.Option) http.Handler {
	return otelhttp.NewHandler(cartapi.New(st, opts...).Router(), "cartd")
}

func seedProducts(ctx context.Context, st store.ProductStore, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := cartapi.Seed(ctx, st, f)
	if err != nil {
		return err
	}
	logrus.WithField("products", n).Info("catalog seeded")
	return nil
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
