// Command pipeline-demo is a single-process reference deployment: it
// reads a configuration tree, constructs the resources and services it
// names, runs them until SIGINT/SIGTERM, then stops every service and
// closes every resource. Grounded on the teacher's *-runner commands (e.g.
// patterns/consumer/cmd/consumer-runner), generalized from "namespace
// config read once, one pattern started" to "configuration tree of
// many named resources and services."
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rainco77/evochora-pipeline/internal/config"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
	"github.com/rainco77/evochora-pipeline/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to the pipeline configuration YAML file")
	stopTimeout := flag.Duration("stop-timeout", 10*time.Second, "grace period for each service to stop on shutdown")
	flag.Parse()

	if *configPath == "" {
		slog.Error("missing required flag", "flag", "-config")
		os.Exit(2)
	}

	if err := run(*configPath, *stopTimeout); err != nil {
		slog.Error("pipeline-demo exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, stopTimeout time.Duration) error {
	doc, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	tree, err := config.Parse(doc)
	if err != nil {
		return err
	}

	factories := config.NewRegistry()
	registerResourceFactories(factories)
	registerServiceFactories(factories)

	resources := resource.NewRegistry()
	for name, entry := range tree.Resources {
		if err := factories.BuildResource(resources, name, entry); err != nil {
			return err
		}
		slog.Info("resource constructed", "name", name, "className", entry.ClassName)
	}
	defer func() {
		if err := resources.CloseAll(); err != nil {
			slog.Warn("error closing resources", "error", err)
		}
	}()

	services := make(map[string]*service.Service, len(tree.Services))
	for name, entry := range tree.Services {
		body, _, err := factories.BuildService(resources, name, entry)
		if err != nil {
			return err
		}
		fn, ok := body.(service.Body)
		if !ok {
			return pkgerrors.BugErrorf("service %q factory returned an unexpected body type %T", name, body)
		}
		svc := service.New(name, fn, stopTimeout)
		services[name] = svc
		slog.Info("service constructed", "name", name, "className", entry.ClassName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for name, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return err
		}
		slog.Info("service started", "name", name)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received, stopping services")
	cancel()

	for name, svc := range services {
		if err := svc.Stop(); err != nil {
			slog.Warn("service did not stop cleanly", "name", name, "error", err)
		}
	}
	return nil
}
