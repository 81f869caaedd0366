package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/givebridge/accessd/pkg/config"
	"github.com/givebridge/accessd/pkg/observability"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	seedOnly := flag.Bool("seed", false, "Apply the catalog and exit without serving")
	catalogPath := flag.String("catalog", "", "Catalog file to apply at startup (overrides ACCESSD_CATALOG_FILE)")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *catalogPath != "" {
		cfg.Catalog.File = *catalogPath
	}
	if *seedOnly && cfg.Catalog.File == "" {
		logrus.Fatal("-seed requires a catalog file")
	}
	if cfg.Observability.OTelServiceVersion == "" {
		cfg.Observability.OTelServiceVersion = version
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start accessd")
	}
	defer app.Close()

	if *seedOnly {
		logger.Info("Catalog applied, exiting")
		return
	}

	if err := app.Run(ctx); err != nil {
		logger.WithError(err).Error("accessd stopped with error")
		app.Close()
		os.Exit(1)
	}
	logger.Info("accessd stopped")
}
