// Package orchestrator imports numbered feed files into the catalog and
// advances the run state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/badno/catalogsync/internal/catalog"
	"github.com/badno/catalogsync/internal/importlog"
	"github.com/badno/catalogsync/internal/metrics"
	"github.com/badno/catalogsync/internal/notify"
	"github.com/badno/catalogsync/internal/parser"
	"github.com/badno/catalogsync/internal/reconciler"
	"github.com/badno/catalogsync/internal/state"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/google/uuid"
)

var (
	ErrFileNotFound      = errors.New("feed file not found")
	ErrInvalidStructure  = errors.New("invalid feed file structure")
	ErrNoUpdateAvailable = errors.New("no update available")
	ErrInterrupted       = errors.New("import interrupted")
	ErrCatalogSync       = errors.New("catalog snapshot out of sync")

	// ErrInitialFileNotFound is returned by ImportInitial without notifying anyone
	ErrInitialFileNotFound = fmt.Errorf("initial %w", ErrFileNotFound)
)

// maxSummaryErrors bounds the row errors quoted in a failure notification
const maxSummaryErrors = 5

// RowReconciler applies one parsed row to the catalog
type RowReconciler interface {
	Reconcile(ctx context.Context, row *models.ProductRow, initial bool) (reconciler.Outcome, error)
}

// Notifier sends operator emails
type Notifier interface {
	ImportFailed(ctx context.Context, fileName, detail string, at time.Time) (bool, error)
	NewProduct(ctx context.Context, notice notify.NewProductNotice) (bool, error)
}

// Cache holds derived lookups that go stale when the catalog changes elsewhere
type Cache interface {
	Forget()
}

// RunMirror receives a copy of every run log entry, e.g. for analytics
type RunMirror interface {
	RecordRun(ctx context.Context, entry models.ImportLogEntry) error
}

// ProgressFunc is called after each row with the bytes read and the file size
type ProgressFunc func(read, total int64)

// Result summarizes one file import
type Result struct {
	FileName    string
	FileNumber  int
	Initial     bool
	Imported    int
	Updated     int
	Failed      int
	Skipped     int
	Errors      []string
	Status      models.RunStatus
	UniqueSKUs  int
	StartedAt   time.Time
	CompletedAt time.Time
}

// Processed returns the number of rows that reached the reconciler
func (r *Result) Processed() int {
	return r.Imported + r.Updated + r.Failed
}

// Orchestrator runs feed files through the parser and reconciler
type Orchestrator struct {
	feedDir    string
	reconciler RowReconciler
	store      state.Store
	runs       state.RunLog
	notifier   Notifier
	logger     *slog.Logger

	mirror   RunMirror
	flusher  catalog.Flusher
	caches   []Cache
	metrics  *metrics.Metrics
	progress ProgressFunc
	now      func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithMirror copies run log entries to m
func WithMirror(m RunMirror) Option {
	return func(o *Orchestrator) { o.mirror = m }
}

// WithFlusher reloads the catalog before and flushes it after each file
func WithFlusher(f catalog.Flusher) Option {
	return func(o *Orchestrator) { o.flusher = f }
}

// WithCaches drops the given caches before each file
func WithCaches(caches ...Cache) Option {
	return func(o *Orchestrator) { o.caches = append(o.caches, caches...) }
}

// WithMetrics records row and run counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithProgress reports progress through each file
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator reading numbered files from feedDir
func New(feedDir string, rec RowReconciler, store state.Store, runs state.RunLog, notifier Notifier, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		feedDir:    feedDir,
		reconciler: rec,
		store:      store,
		runs:       runs,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FilePath returns the path of feed file n
func (o *Orchestrator) FilePath(n int) string {
	return filepath.Join(o.feedDir, strconv.Itoa(n)+".csv")
}

// NextFile returns the number and path of the next file to import and whether it exists
func (o *Orchestrator) NextFile(ctx context.Context) (int, string, bool, error) {
	st, err := o.store.State(ctx)
	if err != nil {
		return 0, "", false, err
	}
	n := st.LastFileNumber + 1
	path := o.FilePath(n)
	_, err = os.Stat(path)
	return n, path, err == nil, nil
}

// ImportInitial imports file 1 as the seed of the catalog. The run state is
// advanced to file 1 even when rows failed. A missing 1.csv returns
// ErrInitialFileNotFound and leaves the status idle.
func (o *Orchestrator) ImportInitial(ctx context.Context) (*Result, error) {
	path := o.FilePath(1)
	if _, err := os.Stat(path); err != nil {
		o.logger.Warn("initial feed file not found", "file_path", path)
		if err := o.store.SetStatus(ctx, models.StatusIdle); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrInitialFileNotFound, filepath.Base(path))
	}

	tracker := o.metrics.Track("initial")

	res, err := o.ImportFile(ctx, path, true)
	if err != nil {
		tracker.End(string(models.StatusError))
		o.fail(ctx)
		return res, err
	}
	res.FileNumber = 1

	if err := o.store.SetLastFile(ctx, 1); err != nil {
		return res, err
	}
	o.metrics.SetLastFile(1)
	if err := o.complete(ctx, res); err != nil {
		return res, err
	}
	tracker.End(string(res.Status))
	return res, nil
}

// ImportNext imports the file after the last imported one. The run state only
// advances when every row succeeded, so a partially failed file is retried.
func (o *Orchestrator) ImportNext(ctx context.Context) (*Result, error) {
	n, path, ok, err := o.NextFile(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		o.logger.Info("no update available", "file", filepath.Base(path))
		if err := o.store.SetStatus(ctx, models.StatusIdle); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrNoUpdateAvailable, filepath.Base(path))
	}

	tracker := o.metrics.Track("next")

	res, err := o.ImportFile(ctx, path, false)
	if err != nil {
		tracker.End(string(models.StatusError))
		o.fail(ctx)
		return res, err
	}
	res.FileNumber = n

	if res.Failed == 0 {
		if err := o.store.SetLastFile(ctx, n); err != nil {
			return res, err
		}
		o.metrics.SetLastFile(n)
	} else {
		o.logger.Warn("file imported with errors, it will be retried", "file", res.FileName, "failed", res.Failed)
	}
	if err := o.complete(ctx, res); err != nil {
		return res, err
	}
	tracker.End(string(res.Status))
	return res, nil
}

// SkipNext moves the run state past the next feed file without importing it,
// so a file whose rows keep failing no longer blocks the ones after it.
func (o *Orchestrator) SkipNext(ctx context.Context) (int, error) {
	n, path, ok, err := o.NextFile(ctx)
	if err != nil {
		return 0, err
	}
	name := filepath.Base(path)
	if ok {
		if err := o.store.SetLastFile(ctx, n); err != nil {
			return 0, err
		}
		o.metrics.SetLastFile(n)
		o.logger.With(importlog.FileKey, name).Warn("feed file skipped without import", "file", name, "last_file_number", n)
	}
	if err := o.store.SetStatus(ctx, models.StatusIdle); err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoUpdateAvailable, name)
	}
	return n, nil
}

func (o *Orchestrator) complete(ctx context.Context, res *Result) error {
	if err := o.store.SetStatus(ctx, res.Status); err != nil {
		return err
	}
	return o.store.SetLastImportTime(ctx, res.CompletedAt)
}

func (o *Orchestrator) fail(ctx context.Context) {
	if err := o.store.SetStatus(ctx, models.StatusError); err != nil {
		o.logger.Error("failed to record error status", "error", err)
	}
}

// ImportFile imports a single feed file. Row errors are collected in the
// result. A missing file, a bad header, cancellation or a catalog that cannot
// be reloaded or saved return an error. Run state is not touched.
func (o *Orchestrator) ImportFile(ctx context.Context, path string, initial bool) (*Result, error) {
	name := filepath.Base(path)
	log := o.logger.With(importlog.FileKey, name)
	ctx = importlog.ContextWithLogger(ctx, log)

	res := &Result{
		FileName:  name,
		Initial:   initial,
		StartedAt: o.now(),
	}

	info, statErr := os.Stat(path)
	log.Info("starting csv import", "file", name, "is_initial", initial, "file_exists", statErr == nil)
	if statErr != nil {
		log.Error("csv file not found", "file_path", path)
		o.notifyFailure(ctx, name, "CSV file not found: "+name)
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	log.Info("csv file size", "bytes", info.Size())

	for _, c := range o.caches {
		c.Forget()
	}
	if o.flusher != nil {
		if err := o.flusher.Refresh(ctx); err != nil {
			log.Error("failed to reload catalog", "error", err)
			return res, o.abort(ctx, res, fmt.Errorf("%w: %w", ErrCatalogSync, err))
		}
	}

	reader, err := parser.Open(path)
	if err != nil {
		return res, o.rejectStructure(ctx, res, err)
	}
	defer reader.Close()

	header := reader.Header()
	log.Info("csv header parsed", "header_count", header.Len(), "first_10_columns", firstN(header.Names(), 10))

	report, err := parser.ValidateHeader(header.Names())
	if err != nil {
		log.Error("csv structure validation failed", "error", err, "header", header.Names())
		return res, o.rejectStructure(ctx, res, err)
	}
	if len(report.MissingImportant) > 0 {
		log.Warn("csv is missing important columns", "columns", report.MissingImportant)
	}

	skus := make(map[string]int)
	rows := 0
	for {
		if err := ctx.Err(); err != nil {
			log.Error("import interrupted", "error", err, "rows", rows)
			res.Errors = append(res.Errors, "Import interrupted: "+err.Error())
			res.Status = models.StatusError
			res.CompletedAt = o.now()
			o.record(ctx, res)
			return res, fmt.Errorf("%w: %v", ErrInterrupted, err)
		}

		record, line, err := reader.Next()
		if err == io.EOF {
			break
		}
		rows++
		if err != nil {
			if line == 0 {
				// not a row problem: the file itself can no longer be read
				log.Error("failed to read feed file", "error", err)
				res.Errors = append(res.Errors, "Read error: "+err.Error())
				res.Status = models.StatusError
				res.CompletedAt = o.now()
				o.record(ctx, res)
				return res, fmt.Errorf("read %s: %w", name, err)
			}
			o.rowFailed(ctx, res, line, "", err)
			o.report(reader)
			continue
		}

		o.processRow(ctx, res, header, record, line, skus)
		o.report(reader)
	}

	res.UniqueSKUs = len(skus)
	log.Info("sku processing summary", "unique_skus", len(skus), "total_rows", rows, "sku_counts", skus)

	if o.flusher != nil {
		if err := o.flusher.Flush(ctx); err != nil {
			log.Error("failed to flush catalog", "error", err)
			return res, o.abort(ctx, res, fmt.Errorf("%w: %w", ErrCatalogSync, err))
		}
	}

	res.Status = models.StatusCompleted
	if res.Failed > 0 {
		res.Status = models.StatusCompletedWithErrors
	}
	res.CompletedAt = o.now()

	log.Info("csv import completed", "imported", res.Imported, "updated", res.Updated, "failed", res.Failed, "skipped", res.Skipped)

	if len(res.Errors) > 0 {
		summary := fmt.Sprintf("Import completed with %d errors out of %d total products processed", res.Failed, res.Processed())
		o.notifyFailure(ctx, name, summary+"\n\nFirst few errors:\n"+strings.Join(firstN(res.Errors, maxSummaryErrors), "\n"))
	}

	o.record(ctx, res)
	return res, nil
}

func (o *Orchestrator) processRow(ctx context.Context, res *Result, header *parser.Header, record []string, line int, skus map[string]int) {
	log := importlog.FromContext(ctx, o.logger)

	row, err := header.Parse(record, line)
	if err != nil {
		o.rowFailed(ctx, res, line, "", err)
		return
	}
	if row == nil {
		res.Skipped++
		o.metrics.Row("skipped")
		log.Warn(fmt.Sprintf("Skipping invalid row %d", line), "data_count", len(record), "header_count", header.Len())
		return
	}

	log.Info(fmt.Sprintf("Processing product row %d", line),
		"sku", row.SKU, "name", row.Name, "brand", row.BrandName,
		"size", row.Size, "color", row.Color, "stock", row.Stock, "price", row.Price.String())
	skus[row.SKU]++

	out, err := o.reconcile(ctx, row, res.Initial)
	if err != nil {
		o.rowFailed(ctx, res, line, row.SKU, err)
		return
	}
	o.metrics.Row(out.Kind.String())

	if out.Kind == reconciler.Created {
		res.Imported++
		log.Info(fmt.Sprintf("Product created for row %d", line), "sku", row.SKU, "product_id", out.ProductID)
	} else {
		res.Updated++
		log.Info(fmt.Sprintf("Product updated for row %d", line), "sku", row.SKU, "outcome", out.Kind.String())
	}

	if out.Announce && o.notifier != nil {
		_, err := o.notifier.NewProduct(ctx, notify.NewProductNotice{
			ProductID: out.ProductID,
			Name:      row.Name,
			SKU:       row.SKU,
			Brand:     row.BrandName,
			Price:     row.Price.StringFixed(2),
			Stock:     row.Stock,
			FileName:  res.FileName,
			At:        o.now(),
		})
		if err != nil {
			log.Error("failed to send new product notification", "sku", row.SKU, "error", err)
		}
	}
}

// reconcile isolates a row so a panic fails the row instead of the file
func (o *Orchestrator) reconcile(ctx context.Context, row *models.ProductRow, initial bool) (out reconciler.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return o.reconciler.Reconcile(ctx, row, initial)
}

func (o *Orchestrator) rowFailed(ctx context.Context, res *Result, line int, sku string, err error) {
	res.Failed++
	res.Errors = append(res.Errors, fmt.Sprintf("Row %d: %s", line, err.Error()))
	o.metrics.Row("failed")
	importlog.FromContext(ctx, o.logger).Error(fmt.Sprintf("Product processing failed for row %d", line), "error", err, "sku", sku)
}

// abort ends a file whose catalog changes cannot be trusted. The run log
// keeps the row counts reached so far.
func (o *Orchestrator) abort(ctx context.Context, res *Result, cause error) error {
	o.notifyFailure(ctx, res.FileName, fmt.Sprintf("Import of %s aborted: %v", res.FileName, cause))

	res.Status = models.StatusError
	res.Errors = append(res.Errors, cause.Error())
	res.CompletedAt = o.now()
	o.record(ctx, res)
	return cause
}

func (o *Orchestrator) rejectStructure(ctx context.Context, res *Result, cause error) error {
	detail := fmt.Sprintf("Invalid CSV structure in %s: %v", res.FileName, cause)
	o.notifyFailure(ctx, res.FileName, detail)

	res.Status = models.StatusError
	res.Errors = []string{cause.Error()}
	res.CompletedAt = o.now()
	o.record(ctx, res)

	return fmt.Errorf("%w: %w", ErrInvalidStructure, cause)
}

func (o *Orchestrator) notifyFailure(ctx context.Context, fileName, detail string) {
	if o.notifier == nil {
		return
	}
	if _, err := o.notifier.ImportFailed(ctx, fileName, detail, o.now()); err != nil {
		importlog.FromContext(ctx, o.logger).Error("failed to send failure notification", "error", err)
	}
}

// record writes the single run log entry for a file attempt. The mirror
// receives the same ID so re-syncing stays idempotent.
func (o *Orchestrator) record(ctx context.Context, res *Result) {
	entry := models.ImportLogEntry{
		ID:           uuid.NewString(),
		FileName:     res.FileName,
		ImportedAt:   res.CompletedAt,
		Imported:     res.Imported,
		Updated:      res.Updated,
		Failed:       res.Failed,
		Status:       res.Status,
		ErrorMessage: strings.Join(firstN(res.Errors, 10), "\n"),
	}
	log := importlog.FromContext(ctx, o.logger)
	if err := o.runs.Record(ctx, entry); err != nil {
		log.Error("failed to write run log entry", "error", err)
	}
	if o.mirror != nil {
		if err := o.mirror.RecordRun(ctx, entry); err != nil {
			log.Warn("failed to mirror run log entry", "error", err)
		}
	}
}

func (o *Orchestrator) report(r *parser.Reader) {
	if o.progress != nil {
		o.progress(r.Offset(), r.Size())
	}
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
