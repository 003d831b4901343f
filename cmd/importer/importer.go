package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/odorie/api-gestion-poc/common/versioning"
	"golang.org/x/sync/errgroup"
)

// RowError is a record the import rejected
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Result summarizes an import run
type Result struct {
	Total    int
	Imported int
	Filtered int
	Failed   []RowError
}

// Importer creates one entity per record through the versioning controller
type Importer struct {
	controller *versioning.Controller
	kind       *versioning.Kind
	session    *versioning.Session
	workers    int
	log        *logger.Logger

	// Departement keeps only municipalities whose INSEE code starts with it
	Departement string
}

// NewImporter creates an importer of kindName records
func NewImporter(controller *versioning.Controller, kindName string, session *versioning.Session, workers int, log *logger.Logger) (*Importer, error) {
	kind, err := controller.Registry().Kind(kindName)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	return &Importer{
		controller: controller,
		kind:       kind,
		session:    session,
		workers:    workers,
		log:        log,
	}, nil
}

// Run imports records with a bounded number of concurrent saves.
// A failing record is reported in the result and does not stop the run;
// only ctx cancellation does.
func (im *Importer) Run(ctx context.Context, records []Record) (*Result, error) {
	result := &Result{Total: len(records)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.workers)

	for _, rec := range records {
		if !im.keep(rec.Fields) {
			result.Filtered++
			continue
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := im.importRecord(gctx, rec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				im.log.Warn("record rejected", "line", rec.Line, "error", err)
				result.Failed = append(result.Failed, RowError{Line: rec.Line, Err: err})
				return nil
			}
			result.Imported++
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("import interrupted: %w", err)
	}

	slices.SortFunc(result.Failed, func(a, b RowError) int { return a.Line - b.Line })
	return result, nil
}

func (im *Importer) importRecord(ctx context.Context, rec Record) error {
	fields, err := im.convert(rec.Fields)
	if err != nil {
		return err
	}
	e, err := im.kind.Decode(fields)
	if err != nil {
		return err
	}
	return im.controller.Save(ctx, e, im.session)
}

// convert keeps the kind's columns in their declared order.
// Columns ending in "_id" reference other entities and are parsed as integers.
func (im *Importer) convert(raw models.Fields) (models.Fields, error) {
	for _, name := range raw.Keys() {
		if !slices.Contains(im.kind.Fields, name) {
			return nil, fmt.Errorf("%s has no field %q", im.kind.Name, name)
		}
	}

	out := models.Fields{}
	for _, name := range im.kind.Fields {
		value, ok := raw.Get(name)
		if !ok {
			continue
		}
		if strings.HasSuffix(name, "_id") {
			id, err := strconv.ParseInt(fmt.Sprint(value), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s must be an integer: %q", name, value)
			}
			value = id
		}
		out = append(out, models.Field{Name: name, Value: value})
	}
	return out, nil
}

func (im *Importer) keep(fields models.Fields) bool {
	if im.Departement == "" || !slices.Contains(im.kind.Fields, "insee") {
		return true
	}
	return strings.HasPrefix(fields.String("insee"), im.Departement)
}
