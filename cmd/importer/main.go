// Command importer loads a CSV or XLSX file of entities into the registry.
//
// Imports store versions but no diffs, like an initial data load.
//
// Usage:
//
//	go run ./cmd/importer -file communes.csv
//	go run ./cmd/importer -file communes.xlsx -sheet COM -departement 77
//	go run ./cmd/importer -kind street -file voies.csv -workers 8
//
// With -dry-run the file is imported into memory and nothing is written.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	registry "github.com/odorie/api-gestion-poc/cmd/registry/models"
	"github.com/odorie/api-gestion-poc/common/bootstrap"
	"github.com/odorie/api-gestion-poc/common/repository"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

const serviceName = "importer"

func main() {
	file := flag.String("file", "", "CSV or XLSX file to import (required)")
	sheet := flag.String("sheet", "", "Workbook sheet to read (default: first sheet)")
	kind := flag.String("kind", registry.KindMunicipality, "Kind of the imported entities")
	workers := flag.Int("workers", 4, "Concurrent saves")
	departement := flag.String("departement", "", "Only import municipalities of this departement")
	dryRun := flag.Bool("dry-run", false, "Import into memory without touching the database")
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []bootstrap.Option{
		bootstrap.WithoutQueue(),
		bootstrap.WithoutCache(),
		bootstrap.WithoutRedis(),
		bootstrap.WithoutTelemetry(),
	}
	if *dryRun {
		opts = append(opts, bootstrap.WithoutDB())
	}

	// Importer needs the database only
	components, err := bootstrap.Setup(ctx, serviceName, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())
	log := components.Logger

	kinds, err := registry.NewRegistry()
	if err != nil {
		log.Error("failed to register kinds", "error", err)
		os.Exit(1)
	}

	var store versioning.Store
	if *dryRun {
		store = versioning.NewMemoryStore(kinds)
	} else {
		store = repository.NewStore(components.DB)
	}

	controller := versioning.NewController(store, kinds, log,
		versioning.WithoutDiffs(),
		versioning.WithMetrics(components.Metrics),
	)

	importer, err := NewImporter(controller, *kind, &versioning.Session{ID: serviceName}, *workers, log)
	if err != nil {
		log.Error("invalid kind", "kind", *kind, "error", err)
		os.Exit(1)
	}
	importer.Departement = *departement

	records, err := readFile(*file, *sheet)
	if err != nil {
		log.Error("failed to read import file", "file", *file, "error", err)
		os.Exit(1)
	}

	log.Info("import started",
		"file", *file,
		"kind", *kind,
		"records", len(records),
		"workers", *workers,
		"dry_run", *dryRun,
	)

	result, err := importer.Run(ctx, records)
	if err != nil {
		log.Error("import failed", "error", err)
		os.Exit(1)
	}

	log.Info("import finished",
		"total", result.Total,
		"imported", result.Imported,
		"filtered", result.Filtered,
		"failed", len(result.Failed),
	)
	for _, rowErr := range result.Failed {
		fmt.Fprintln(os.Stderr, rowErr.Error())
	}
	if len(result.Failed) > 0 {
		os.Exit(1)
	}
}

// readFile picks the reader from the file extension
func readFile(path, sheet string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readRecords(f, filepath.Ext(path), sheet)
}

func readRecords(r io.Reader, ext, sheet string) ([]Record, error) {
	switch strings.ToLower(ext) {
	case ".xlsx", ".xlsm":
		return ReadXLSX(r, sheet)
	case ".csv", ".txt", "":
		return ReadCSV(r)
	default:
		return nil, fmt.Errorf("unsupported file type %q (want .csv or .xlsx)", ext)
	}
}
