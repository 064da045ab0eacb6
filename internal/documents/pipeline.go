// Package documents transfers a migrated user's legacy documents into the
// destination bucket and registers them as case or library documents.
package documents

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/casebook-app/migrate/internal/blobstore"
	"github.com/casebook-app/migrate/internal/datastore/entities"
	"github.com/casebook-app/migrate/internal/datastore/repository"
	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/legacy"
	"github.com/casebook-app/migrate/internal/logger"
	"github.com/casebook-app/migrate/internal/mimetypes"
	"github.com/casebook-app/migrate/internal/processing"
	"github.com/casebook-app/migrate/internal/resilience"
)

const (
	componentName = "documents"

	// DefaultDownloadTimeout bounds a single legacy download.
	DefaultDownloadTimeout = 30 * time.Second
	// DefaultMaxFileSize is the largest document transferred.
	DefaultMaxFileSize int64 = 100 << 20

	opUpload = "upload_document"

	statusCompleted = string(entities.MigrationStatusCompleted)
	statusFailed    = string(entities.MigrationStatusFailed)
)

// Config wires a Pipeline. Processor may be nil to skip the processing
// trigger.
type Config struct {
	Legacy      legacy.Store
	Source      blobstore.Downloader
	Dest        blobstore.Uploader
	Users       repository.UserRepository
	Cases       repository.CaseRepository
	Documents   repository.DocumentRepository
	Processor   processing.Trigger
	Keys        blobstore.KeyBuilder
	Types       mimetypes.Resolver
	UploadRetry resilience.RetryPolicy

	DownloadTimeout time.Duration
	MaxFileSize     int64
	// Concurrency is the number of documents transferred at once per user.
	// Values below 2 run sequentially.
	Concurrency int

	Logger  logger.Logger
	Metrics Recorder
}

// Pipeline moves documents for users whose accounts were migrated.
type Pipeline struct {
	cfg     Config
	log     logger.Logger
	metrics Recorder
	caseIDs *cache.Cache
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Legacy == nil || cfg.Source == nil || cfg.Dest == nil ||
		cfg.Users == nil || cfg.Cases == nil || cfg.Documents == nil {
		return nil, errors.ValidationError("document pipeline needs legacy, blob and datastore dependencies")
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.UploadRetry.Attempts <= 0 {
		cfg.UploadRetry.Attempts = 1
	}
	if cfg.Processor == nil {
		cfg.Processor = processing.Noop{}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = noopRecorder{}
	}
	return &Pipeline{
		cfg:     cfg,
		log:     log.Module(componentName),
		metrics: rec,
		// No janitor goroutine; entries live for the process.
		caseIDs: cache.New(cache.NoExpiration, 0),
	}, nil
}

// MigrateAll transfers documents for every attached user that is pending,
// or failed in an earlier run. Per-user failures are recorded and the loop
// continues; only listing failures and cancellation return an error.
func (p *Pipeline) MigrateAll(ctx context.Context) (*RunResult, error) {
	run := &RunResult{StartedAt: time.Now()}
	defer func() { run.Duration = time.Since(run.StartedAt) }()
	if err := ctx.Err(); err != nil {
		return run, err
	}

	var owners []*entities.User
	for _, st := range []entities.MigrationStatus{entities.MigrationStatusPending, entities.MigrationStatusFailed} {
		users, err := p.cfg.Users.ListByMigrationStatus(ctx, st)
		if err != nil {
			return run, err
		}
		owners = append(owners, users...)
	}
	owners = lo.Filter(owners, func(u *entities.User, _ int) bool { return u.Migration.Attached() })

	p.log.Info("starting document migration", logger.Int("users", len(owners)))
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		res, err := p.MigrateUser(ctx, owner)
		if res != nil {
			run.add(*res)
		}
		if err != nil {
			if ctx.Err() != nil {
				return run, err
			}
			// A returned result already carries its error.
			if res == nil {
				run.Errors = append(run.Errors, owner.SourceID()+": "+err.Error())
			}
		}
	}

	p.log.Info("document migration finished",
		logger.Int("users", run.Users),
		logger.Int("completed", run.Completed),
		logger.Int("failed", run.Failed),
		logger.Int("transferred", run.Transferred),
		logger.Int("skipped", run.Skipped))
	return run, nil
}

// MigrateUser transfers one user's documents. The user's migration status
// moves to in_progress first and to completed or failed at the end; a user
// already completed is left untouched. Document failures are collected in
// the result. The error is non-nil when the user could not be processed at
// all.
func (p *Pipeline) MigrateUser(ctx context.Context, owner *entities.User) (*UserResult, error) {
	start := time.Now()
	if owner == nil || !owner.Migration.Attached() {
		return nil, errors.ValidationError("user has no legacy source id")
	}
	res := &UserResult{UserID: owner.ID, SourceID: owner.SourceID(), Documents: []DocumentResult{}}
	log := p.log.With(logger.String("source_id", res.SourceID), logger.Int("user_id", int(owner.ID)))

	switch owner.Migration.Status {
	case entities.MigrationStatusCompleted:
		res.Status = statusCompleted
		res.Registered = p.registered(ctx, owner.ID, log)
		log.Debug("documents already migrated")
		return res, nil
	case entities.MigrationStatusInProgress:
		log.Warn("resuming interrupted document migration")
	default:
		if err := p.cfg.Users.UpdateMigrationStatus(ctx, owner.ID, entities.MigrationStatusInProgress, ""); err != nil {
			return nil, err
		}
	}

	err := p.transferAll(ctx, owner, res, log)
	res.Duration = time.Since(start)

	next := entities.MigrationStatusCompleted
	lastError := ""
	switch {
	case err != nil:
		next, lastError = entities.MigrationStatusFailed, err.Error()
		res.Errors = append(res.Errors, err.Error())
	case res.Failed > 0:
		next, lastError = entities.MigrationStatusFailed, strings.Join(res.Errors, "; ")
	}
	res.Status = string(next)
	res.Registered = p.registered(context.WithoutCancel(ctx), owner.ID, log)

	// Record the outcome even when the run was cancelled.
	if statusErr := p.cfg.Users.UpdateMigrationStatus(context.WithoutCancel(ctx), owner.ID, next, lastError); statusErr != nil {
		res.Errors = append(res.Errors, statusErr.Error())
		return res, errors.Join(err, statusErr)
	}

	log.Info("user documents migrated",
		logger.String("status", res.Status),
		logger.Int("cases", res.Cases),
		logger.Int("transferred", res.Transferred),
		logger.Int("skipped", res.Skipped),
		logger.Int("failed", res.Failed),
		logger.Duration("duration", res.Duration))
	return res, err
}

// registered counts the owner's target records. A failed count is logged
// and left zero.
func (p *Pipeline) registered(ctx context.Context, ownerID uint, log logger.Logger) Registered {
	var r Registered
	var err error
	if r.Cases, err = p.cfg.Cases.CountByOwner(ctx, ownerID); err == nil {
		r.CaseDocuments, r.LibraryDocuments, err = p.cfg.Documents.CountByOwner(ctx, ownerID)
	}
	if err != nil {
		log.Warn("failed to count registered documents", logger.Error(err))
		return Registered{}
	}
	return r
}

type task struct {
	doc        legacy.Document
	kind       repository.DocumentKind
	legacyCase *legacy.Case
}

// plan partitions documents into case-linked and library documents. A
// document listed by several cases is linked to the first.
func plan(cases []legacy.Case, docs []legacy.Document) []task {
	owners := make(map[string]*legacy.Case)
	for i := range cases {
		for _, id := range cases[i].DocumentIDs {
			if _, seen := owners[id]; !seen {
				owners[id] = &cases[i]
			}
		}
	}

	linked, library := lo.FilterReject(docs, func(d legacy.Document, _ int) bool {
		_, ok := owners[d.ID]
		return ok
	})

	tasks := make([]task, 0, len(docs))
	for _, d := range linked {
		tasks = append(tasks, task{doc: d, kind: repository.KindCase, legacyCase: owners[d.ID]})
	}
	for _, d := range library {
		tasks = append(tasks, task{doc: d, kind: repository.KindLibrary})
	}
	return tasks
}

func (p *Pipeline) transferAll(ctx context.Context, owner *entities.User, res *UserResult, log logger.Logger) error {
	cases, err := p.cfg.Legacy.ListCases(ctx, res.SourceID)
	if err != nil {
		return err
	}
	docs, err := p.cfg.Legacy.ListDocuments(ctx, res.SourceID)
	if err != nil {
		return err
	}
	res.Cases = len(cases)

	tasks := plan(cases, docs)
	results := make([]DocumentResult, len(tasks))

	var g errgroup.Group
	g.SetLimit(max(p.cfg.Concurrency, 1))
	for i := range tasks {
		g.Go(func() error {
			results[i] = p.transfer(ctx, owner, tasks[i], log)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		res.add(r)
		p.metrics.DocumentOutcome(string(r.Outcome))
	}
	return ctx.Err()
}

// transfer runs resolve, download, upload, register and trigger for one
// document. Registration only happens after a successful upload.
func (p *Pipeline) transfer(ctx context.Context, owner *entities.User, t task, log logger.Logger) DocumentResult {
	d := t.doc
	r := DocumentResult{LegacyID: d.ID, FileName: d.FileName, Kind: string(t.kind)}
	fail := func(err error) DocumentResult {
		r.Outcome = OutcomeFailed
		r.Error = err.Error()
		log.Error("document transfer failed",
			logger.String("document_id", d.ID),
			logger.String("file_name", d.FileName),
			logger.Error(err))
		return r
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	exists, err := p.cfg.Documents.ExistsByLegacyID(ctx, d.ID)
	if err != nil {
		return fail(err)
	}
	if exists {
		r.Outcome = OutcomeSkipped
		return r
	}
	if d.StorageURL == "" {
		return fail(errors.ValidationError("document has no storage path"))
	}

	var caseID uint
	if t.kind == repository.KindCase {
		if caseID, err = p.targetCaseID(ctx, owner, t.legacyCase); err != nil {
			return fail(err)
		}
	}

	data, err := p.download(ctx, d.StorageURL)
	if err != nil {
		return fail(err)
	}
	r.Size = int64(len(data))
	r.MimeType = p.cfg.Types.Resolve(d.FileName, d.FileType, data)

	key, err := p.cfg.Keys.Key(owner.SourceID(), d.ID, d.FileName)
	if err != nil {
		return fail(err)
	}
	obj, err := p.upload(ctx, key, data, blobstore.Attrs{
		ContentType: r.MimeType,
		Metadata:    blobstore.ProvenanceMetadata(d.FileName, d.StorageURL, d.ID),
	})
	if err != nil {
		return fail(err)
	}
	r.Object = obj.Key

	legacyID := d.ID
	file := entities.StoredFile{
		Title:            title(d.FileName),
		GCSBucket:        obj.Bucket,
		GCSObject:        obj.Key,
		MimeType:         r.MimeType,
		FileSize:         r.Size,
		CreatedBy:        owner.ID,
		LegacyDocumentID: &legacyID,
	}

	var docID uint
	if t.kind == repository.KindCase {
		row := &entities.Document{CaseID: caseID, StoredFile: file}
		err = p.cfg.Documents.CreateCaseDocument(ctx, row)
		docID = row.ID
	} else {
		row := &entities.LibraryDocument{StoredFile: file}
		err = p.cfg.Documents.CreateLibraryDocument(ctx, row)
		docID = row.ID
	}
	switch {
	case errors.Is(err, repository.ErrDuplicateKey):
		// Registered concurrently by another run.
		r.Outcome = OutcomeSkipped
		return r
	case err != nil:
		return fail(err)
	}
	r.Outcome = OutcomeTransferred

	if perr := p.triggerProcessing(ctx, t.kind, docID, obj); perr != nil {
		r.Processing = perr.Error()
		log.Warn("processing trigger failed",
			logger.String("document_id", d.ID),
			logger.Int("target_document_id", int(docID)),
			logger.Error(perr))
	}
	return r
}

func title(fileName string) string {
	if t := strings.TrimSpace(fileName); t != "" {
		return t
	}
	return "Untitled document"
}

func (p *Pipeline) targetCaseID(ctx context.Context, owner *entities.User, lc *legacy.Case) (uint, error) {
	if id, ok := p.caseIDs.Get(lc.ID); ok {
		return id.(uint), nil
	}
	c, err := p.cfg.Cases.EnsureFromLegacy(ctx, repository.LegacyCase{
		LegacyID: lc.ID,
		Title:    lc.Title,
		OwnerID:  owner.ID,
	})
	if err != nil {
		return 0, err
	}
	p.caseIDs.SetDefault(lc.ID, c.ID)
	return c.ID, nil
}

func (p *Pipeline) download(ctx context.Context, location string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DownloadTimeout)
	defer cancel()
	return p.cfg.Source.Download(ctx, location, p.cfg.MaxFileSize)
}

func (p *Pipeline) upload(ctx context.Context, key string, data []byte, attrs blobstore.Attrs) (blobstore.Object, error) {
	policy := p.cfg.UploadRetry
	userOnRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.metrics.Retry(opUpload)
		p.log.Warn("upload failed, retrying",
			logger.String("object", key),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err))
		if userOnRetry != nil {
			userOnRetry(attempt, err, delay)
		}
	}

	var obj blobstore.Object
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		obj, err = p.cfg.Dest.Upload(ctx, key, data, attrs)
		return err
	})
	return obj, err
}

func (p *Pipeline) triggerProcessing(ctx context.Context, kind repository.DocumentKind, docID uint, obj blobstore.Object) error {
	if _, noop := p.cfg.Processor.(processing.Noop); noop {
		return nil
	}
	req := processing.Request{DocumentID: strconv.FormatUint(uint64(docID), 10), Bucket: obj.Bucket, Object: obj.Key}

	var err error
	if kind == repository.KindCase {
		err = p.cfg.Processor.ProcessCaseDocument(ctx, req)
	} else {
		err = p.cfg.Processor.ProcessLibraryDocument(ctx, req)
	}

	status := entities.ProcessingProcessing
	if err != nil {
		status = entities.ProcessingFailed
	}
	if uerr := p.cfg.Documents.UpdateProcessingStatus(ctx, kind, docID, status); uerr != nil {
		return errors.Join(err, fmt.Errorf("update processing status: %w", uerr))
	}
	return err
}
