package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/casebook-app/migrate/internal/blobstore"
	"github.com/casebook-app/migrate/internal/datastore"
	"github.com/casebook-app/migrate/internal/datastore/entities"
	"github.com/casebook-app/migrate/internal/datastore/repository"
	"github.com/casebook-app/migrate/internal/datastore/testutil"
	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/httpclient"
	"github.com/casebook-app/migrate/internal/legacy"
	"github.com/casebook-app/migrate/internal/mimetypes"
	"github.com/casebook-app/migrate/internal/processing"
	"github.com/casebook-app/migrate/internal/resilience"
)

const ownerSource = "kp_owner"

// flakyUploader fails the first failures uploads of each key.
type flakyUploader struct {
	blobstore.Uploader
	mu       sync.Mutex
	failures map[string]int
	calls    atomic.Int32
}

func (f *flakyUploader) Upload(ctx context.Context, key string, data []byte, attrs blobstore.Attrs) (blobstore.Object, error) {
	f.calls.Add(1)
	f.mu.Lock()
	if f.failures[key] > 0 {
		f.failures[key]--
		f.mu.Unlock()
		return blobstore.Object{}, errors.UploadError("test", "upload", key, errors.NewStd("connection reset"))
	}
	f.mu.Unlock()
	return f.Uploader.Upload(ctx, key, data, attrs)
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	retries  int
}

func (r *countingRecorder) DocumentOutcome(o string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[o]++
}

func (r *countingRecorder) Retry(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

type fixture struct {
	mgr    *datastore.Manager
	store  *legacy.MemoryStore
	srcFs  afero.Fs
	dest   *blobstore.LocalStore
	owner  *entities.User
	cfg    Config
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mgr:   testutil.NewManager(t),
		store: legacy.NewMemoryStore(),
		srcFs: afero.NewMemMapFs(),
		dest:  blobstore.NewLocalStoreFs(afero.NewMemMapFs()),
	}
	owner, err := f.mgr.Users().CreateStub(t.Context(), repository.StubParams{
		Email:    "owner@example.com",
		Name:     "Owner",
		ClerkID:  "user_owner",
		SourceID: ownerSource,
	})
	require.NoError(t, err)
	f.owner = owner

	retry := resilience.FixedPolicy(3, 5*time.Millisecond)
	retry.Sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	f.cfg = Config{
		Legacy:      f.store,
		Source:      blobstore.NewLocalStoreFs(f.srcFs),
		Dest:        f.dest,
		Users:       f.mgr.Users(),
		Cases:       f.mgr.Cases(),
		Documents:   f.mgr.Documents(),
		Keys:        blobstore.KeyBuilder{Strategy: blobstore.KeyStrategyStable, Prefix: "migrations"},
		Types:       mimetypes.Resolver{Sniff: true},
		UploadRetry: retry,
		MaxFileSize: 1 << 20,
	}
	return f
}

// addDoc writes the legacy object and its metadata row.
func (f *fixture) addDoc(t *testing.T, id, name, fileType string, content []byte) {
	t.Helper()
	p := "/uploads/" + id + "/" + name
	require.NoError(t, afero.WriteFile(f.srcFs, p, content, 0o644))
	f.store.AddDocument(legacy.Document{
		ID:            id,
		FileName:      name,
		FileType:      fileType,
		StorageURL:    "gs://" + blobstore.LocalBucket + p,
		OwnerSourceID: ownerSource,
		Size:          int64(len(content)),
	})
}

func (f *fixture) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(f.cfg)
	require.NoError(t, err)
	return p
}

func (f *fixture) reloadOwner(t *testing.T) *entities.User {
	t.Helper()
	u, err := f.mgr.Users().FindBySourceID(t.Context(), ownerSource)
	require.NoError(t, err)
	return u
}

func TestMigrateUserPartitionsAndRegisters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.AddCase(legacy.Case{ID: "case-1", Title: "Smith v. Jones", OwnerSourceID: ownerSource, DocumentIDs: []string{"d1", "d2"}})
	f.addDoc(t, "d1", "brief.pdf", "", []byte("%PDF-1.7 brief"))
	f.addDoc(t, "d2", "notes.txt", "text/plain", []byte("notes"))
	f.addDoc(t, "d3", "scan", "image/png", []byte("\x89PNG\r\n\x1a\n"))

	rec := &countingRecorder{}
	f.cfg.Metrics = rec
	res, err := f.pipeline(t).MigrateUser(t.Context(), f.owner)
	require.NoError(t, err)

	assert.Equal(t, statusCompleted, res.Status)
	assert.Equal(t, 1, res.Cases)
	assert.Equal(t, 3, res.Transferred)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 3, rec.outcomes[string(OutcomeTransferred)])

	kinds := map[string]string{}
	for _, d := range res.Documents {
		kinds[d.LegacyID] = d.Kind
	}
	assert.Equal(t, map[string]string{"d1": "case", "d2": "case", "d3": "library"}, kinds)

	c, err := f.mgr.Cases().FindByLegacyID(t.Context(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, f.owner.ID, c.OwnerID)

	assert.Equal(t, Registered{Cases: 1, CaseDocuments: 2, LibraryDocuments: 1}, res.Registered)

	var brief entities.Document
	require.NoError(t, f.mgr.DB().Where("legacy_document_id = ?", "d1").First(&brief).Error)
	assert.Equal(t, "application/pdf", brief.MimeType)
	assert.Equal(t, blobstore.LocalBucket, brief.GCSBucket)
	assert.Equal(t, c.ID, brief.CaseID)

	attrs, err := f.dest.Attrs(brief.GCSObject)
	require.NoError(t, err)
	assert.Equal(t, blobstore.SourceMigration, attrs.Metadata[blobstore.MetaSource])
	assert.Equal(t, "brief.pdf", attrs.Metadata[blobstore.MetaOriginalName])

	assert.Equal(t, entities.MigrationStatusCompleted, f.reloadOwner(t).Migration.Status)
}

func TestMigrateUserFailedUploadIsNotRegistered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDoc(t, "good", "a.pdf", "", []byte("a"))
	f.addDoc(t, "bad", "b.pdf", "", []byte("b"))

	badKey, err := f.cfg.Keys.Key(ownerSource, "bad", "b.pdf")
	require.NoError(t, err)
	up := &flakyUploader{Uploader: f.dest, failures: map[string]int{badKey: 10}}
	f.cfg.Dest = up

	res, err := f.pipeline(t).MigrateUser(t.Context(), f.owner)
	require.NoError(t, err)

	assert.Equal(t, statusFailed, res.Status)
	assert.Equal(t, 1, res.Transferred)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "bad:")

	exists, err := f.mgr.Documents().ExistsByLegacyID(t.Context(), "bad")
	require.NoError(t, err)
	assert.False(t, exists)
	// Three attempts for the bad object, one for the good one.
	assert.Equal(t, int32(4), up.calls.Load())
	assert.Len(t, f.sleeps, 2)

	owner := f.reloadOwner(t)
	assert.Equal(t, entities.MigrationStatusFailed, owner.Migration.Status)
	assert.Contains(t, owner.Migration.LastError, "bad:")
}

func TestMigrateUserRetriesUpload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDoc(t, "d1", "a.pdf", "", []byte("a"))
	key, err := f.cfg.Keys.Key(ownerSource, "d1", "a.pdf")
	require.NoError(t, err)
	f.cfg.Dest = &flakyUploader{Uploader: f.dest, failures: map[string]int{key: 2}}
	rec := &countingRecorder{}
	f.cfg.Metrics = rec

	res, err := f.pipeline(t).MigrateUser(t.Context(), f.owner)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transferred)
	assert.Equal(t, 2, rec.retries)
}

func TestMigrateUserRerunSkipsRegisteredDocuments(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDoc(t, "d1", "a.pdf", "", []byte("a"))
	f.addDoc(t, "missing", "gone.pdf", "", nil)
	require.NoError(t, f.srcFs.Remove("/uploads/missing/gone.pdf"))

	p := f.pipeline(t)
	first, err := p.MigrateUser(t.Context(), f.owner)
	require.NoError(t, err)
	assert.Equal(t, statusFailed, first.Status)
	assert.Equal(t, 1, first.Transferred)

	// Object restored; a failed user is retried.
	f.addDoc(t, "missing2", "x.pdf", "", []byte("x"))
	require.NoError(t, afero.WriteFile(f.srcFs, "/uploads/missing/gone.pdf", []byte("g"), 0o644))

	second, err := p.MigrateUser(t.Context(), f.reloadOwner(t))
	require.NoError(t, err)
	assert.Equal(t, statusCompleted, second.Status)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 2, second.Transferred)

	third, err := p.MigrateUser(t.Context(), f.reloadOwner(t))
	require.NoError(t, err)
	assert.Equal(t, statusCompleted, third.Status)
	assert.Equal(t, 0, third.Total())
	assert.Equal(t, Registered{LibraryDocuments: 3}, third.Registered)
}

func TestMigrateUserDownloadLimits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.cfg.MaxFileSize = 4
	f.addDoc(t, "big", "big.bin", "", []byte("0123456789"))
	f.store.AddDocument(legacy.Document{ID: "nopath", FileName: "x.pdf", OwnerSourceID: ownerSource})

	res, err := f.pipeline(t).MigrateUser(t.Context(), f.owner)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)

	byID := map[string]DocumentResult{}
	for _, d := range res.Documents {
		byID[d.LegacyID] = d
	}
	assert.Contains(t, byID["big"].Error, blobstore.ErrTooLarge.Error())
	assert.Equal(t, "document has no storage path", byID["nopath"].Error)
}

func TestMigrateUserTriggersProcessing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.AddCase(legacy.Case{ID: "c", OwnerSourceID: ownerSource, DocumentIDs: []string{"d1"}})
	f.addDoc(t, "d1", "a.pdf", "", []byte("a"))
	f.addDoc(t, "d2", "b.pdf", "", []byte("b"))

	mock := httpmock.NewMockTransport()
	var reqs []processing.Request
	var mu sync.Mutex
	mock.RegisterResponder(http.MethodPost, "https://processor.test/process",
		func(r *http.Request) (*http.Response, error) {
			var req processing.Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return nil, err
			}
			mu.Lock()
			reqs = append(reqs, req)
			mu.Unlock()
			return httpmock.NewStringResponse(http.StatusAccepted, ""), nil
		})
	mock.RegisterResponder(http.MethodPost, "https://processor.test/process-library",
		httpmock.NewStringResponder(http.StatusInternalServerError, "down"))

	proc, err := processing.New("https://processor.test", httpclient.New(&httpclient.Config{Transport: mock}), time.Second)
	require.NoError(t, err)
	f.cfg.Processor = proc

	res, err := f.pipeline(t).MigrateUser(t.Context(), f.owner)
	require.NoError(t, err)

	// A processing failure is reported but the document stays registered.
	assert.Equal(t, 2, res.Transferred)
	assert.Equal(t, statusCompleted, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "d2: processing:")

	require.Len(t, reqs, 1)
	assert.Equal(t, blobstore.LocalBucket, reqs[0].Bucket)

	var caseDoc entities.Document
	require.NoError(t, f.mgr.DB().Where("legacy_document_id = ?", "d1").First(&caseDoc).Error)
	assert.Equal(t, fmt.Sprint(caseDoc.ID), reqs[0].DocumentID)
	assert.Equal(t, entities.ProcessingProcessing, caseDoc.ProcessingStatus)

	var libDoc entities.LibraryDocument
	require.NoError(t, f.mgr.DB().Where("legacy_document_id = ?", "d2").First(&libDoc).Error)
	assert.Equal(t, entities.ProcessingFailed, libDoc.ProcessingStatus)
}

func TestMigrateUserConcurrentNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	f := newFixture(t)
	ids := make([]string, 0, 20)
	for i := range 20 {
		id := fmt.Sprintf("d%02d", i)
		ids = append(ids, id)
		f.addDoc(t, id, id+".txt", "", []byte(id))
	}
	f.store.AddCase(legacy.Case{ID: "c1", OwnerSourceID: ownerSource, DocumentIDs: ids[:10]})
	f.cfg.Concurrency = 4

	res, err := f.pipeline(t).MigrateUser(t.Context(), f.owner)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Transferred)
	assert.Equal(t, statusCompleted, res.Status)

	n, err := f.mgr.Cases().CountByOwner(t.Context(), f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMigrateUserCompletedIsUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDoc(t, "d1", "a.pdf", "", []byte("a"))
	f.owner.Migration.Status = entities.MigrationStatusCompleted

	res, err := f.pipeline(t).MigrateUser(t.Context(), f.owner)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total())
}

func TestMigrateUserRequiresSourceID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.pipeline(t).MigrateUser(t.Context(), &entities.User{ID: 99, Email: "x@example.com"})
	assert.True(t, errors.IsValidation(err))
}

func TestMigrateAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDoc(t, "d1", "a.pdf", "", []byte("a"))
	// Not attached to a legacy account, never listed.
	testutil.SeedUser(t, f.mgr, &entities.User{Email: "native@example.com",
		Migration: entities.Migration{Status: entities.MigrationStatusPending}})

	p := f.pipeline(t)
	run, err := p.MigrateAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, run.Users)
	assert.Equal(t, 1, run.Completed)
	assert.Equal(t, 1, run.Transferred)

	again, err := p.MigrateAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Users)
}

func TestMigrateAllReportsUserFailureOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDoc(t, "d1", "a.pdf", "", []byte("a"))
	f.store.Err = errors.NewStd("legacy store unavailable")

	run, err := f.pipeline(t).MigrateAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, run.Failed)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0], "legacy store unavailable")
	assert.Equal(t, entities.MigrationStatusFailed, f.reloadOwner(t).Migration.Status)
}

func TestMigrateAllCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := f.pipeline(t).MigrateAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPlan(t *testing.T) {
	t.Parallel()
	cases := []legacy.Case{
		{ID: "a", DocumentIDs: []string{"1", "2"}},
		{ID: "b", DocumentIDs: []string{"2", "3"}},
	}
	docs := []legacy.Document{{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}}

	tasks := plan(cases, docs)
	require.Len(t, tasks, 4)
	assert.Equal(t, "a", tasks[0].legacyCase.ID)
	assert.Equal(t, "a", tasks[1].legacyCase.ID)
	assert.Equal(t, "b", tasks[2].legacyCase.ID)
	assert.Equal(t, "4", tasks[3].doc.ID)
	assert.Nil(t, tasks[3].legacyCase)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	assert.True(t, errors.IsValidation(err))
}
