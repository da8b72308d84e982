package services_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry/repos/internal/adapters/metadata"
	"github.com/foundry/repos/internal/adapters/storage"
	"github.com/foundry/repos/internal/core/models"
	"github.com/foundry/repos/internal/core/services"
)

// fakeClock advances one second on every reading.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	repo  *services.Repository
	blobs *storage.DiskBlobStorage
	meta  *metadata.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	blobs, err := storage.NewDiskBlobStorage(filepath.Join(dir, "repo"))
	require.NoError(t, err)

	meta, err := metadata.NewSQLiteStore(filepath.Join(dir, "repos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	repo := services.NewRepository(blobs, meta, zerolog.Nop(), services.WithClock(clock.Now))
	return &fixture{repo: repo, blobs: blobs, meta: meta}
}

func (f *fixture) publish(t *testing.T, req services.PublishRequest) *services.Published {
	t.Helper()
	p, err := f.repo.Publish(req)
	require.NoError(t, err)
	return p
}

func TestPublishAndRetrieve(t *testing.T) {
	f := newFixture(t)

	p := f.publish(t, services.PublishRequest{
		Name:    "acme",
		Version: "1.0.0",
		Branch:  "master",
		Data:    []byte{0x01, 0x02},
		Replace: true,
	})
	assert.NotEmpty(t, p.Artifact.Key)
	assert.Equal(t, "acme-1.0.0.package", p.FileName())
	assert.Equal(t, "acme/1.0.0", p.Artifact.Path)

	payload, err := f.repo.Retrieve(services.RetrieveQuery{Name: "acme"})
	require.NoError(t, err)
	assert.False(t, payload.IsRemote())
	assert.Equal(t, []byte{0x01, 0x02}, payload.Data)
	assert.Equal(t, "acme-1.0.0.package", payload.FileName)
	assert.Empty(t, payload.ContentType)
}

func TestPublishDefaults(t *testing.T) {
	f := newFixture(t)

	p := f.publish(t, services.PublishRequest{Name: "acme", Version: "1.0", Data: []byte("x")})
	assert.Equal(t, models.MasterBranch, p.Artifact.Branch)
	assert.Equal(t, services.DefaultPackageType, p.Package.Type)
	assert.Equal(t, "acme", p.Package.Identifier)
}

func TestPublishWithoutReplaceRejectsDuplicate(t *testing.T) {
	f := newFixture(t)

	req := services.PublishRequest{Name: "acme", Version: "1.0", Data: []byte("first")}
	f.publish(t, req)

	req.Data = []byte("second")
	_, err := f.repo.Publish(req)
	require.ErrorIs(t, err, services.ErrDuplicateArtifact)

	payload, err := f.repo.Retrieve(services.RetrieveQuery{Name: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "first", string(payload.Data), "failed publish must not touch the blob")
}

func TestPublishReplaceUpdatesInPlace(t *testing.T) {
	f := newFixture(t)

	first := f.publish(t, services.PublishRequest{
		Name: "acme", Version: "1.0", Data: []byte("first"),
		Info: map[string]any{"build": "1"}, Replace: true,
	})
	second := f.publish(t, services.PublishRequest{
		Name: "acme", Version: "1.0", Data: []byte("second"),
		Info: map[string]any{"build": "2"}, Replace: true,
	})

	assert.Equal(t, first.Artifact.ID, second.Artifact.ID)
	assert.Equal(t, first.Artifact.Key, second.Artifact.Key)
	assert.Greater(t, second.Artifact.Timestamp, first.Artifact.Timestamp)

	artifacts, err := f.repo.ListArtifacts(models.ArtifactFilter{Package: "acme"}, []string{"build"})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "2", artifacts[0].Info["build"])

	payload, err := f.repo.Retrieve(services.RetrieveQuery{Name: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "second", string(payload.Data))
}

func TestPublishInjectsInfoTimestamp(t *testing.T) {
	f := newFixture(t)

	info := map[string]any{"description": "nightly"}
	p := f.publish(t, services.PublishRequest{Name: "acme", Version: "1.0", Data: []byte("x"), Info: info})

	got, err := f.repo.Info("acme", "")
	require.NoError(t, err)
	assert.Equal(t, "nightly", got["description"])
	assert.EqualValues(t, p.Artifact.Timestamp, got["timestamp"])
	assert.NotContains(t, info, "timestamp", "caller's map is left untouched")
}

func TestRetrieveMostRecentlyModifiedWins(t *testing.T) {
	f := newFixture(t)

	f.publish(t, services.PublishRequest{Name: "foo", Version: "1.0", Data: []byte("v1.0"), Replace: true})
	f.publish(t, services.PublishRequest{Name: "foo", Version: "1.1", Data: []byte("v1.1"), Replace: true})

	payload, err := f.repo.Retrieve(services.RetrieveQuery{Name: "foo"})
	require.NoError(t, err)
	assert.Equal(t, "v1.1", string(payload.Data))

	// Republishing the older version makes it the most recently touched.
	f.publish(t, services.PublishRequest{Name: "foo", Version: "1.0", Data: []byte("v1.0 again"), Replace: true})

	payload, err = f.repo.Retrieve(services.RetrieveQuery{Name: "foo"})
	require.NoError(t, err)
	assert.Equal(t, "v1.0 again", string(payload.Data))
	assert.Equal(t, "foo-1.0.package", payload.FileName)

	payload, err = f.repo.Retrieve(services.RetrieveQuery{Name: "foo", Version: "1.1"})
	require.NoError(t, err)
	assert.Equal(t, "v1.1", string(payload.Data))
}

func TestRetrieveByBranch(t *testing.T) {
	f := newFixture(t)

	f.publish(t, services.PublishRequest{Name: "foo", Version: "2.0", Branch: "beta", Data: []byte("beta"), Replace: true})
	f.publish(t, services.PublishRequest{Name: "foo", Version: "1.0", Data: []byte("stable"), Replace: true})

	payload, err := f.repo.Retrieve(services.RetrieveQuery{Name: "foo", Branch: "beta"})
	require.NoError(t, err)
	assert.Equal(t, "beta", string(payload.Data))

	pkg, err := f.repo.GetPackage("foo")
	require.NoError(t, err)
	assert.Equal(t, "1.0", pkg.Latest, "only master moves latest")
}

func TestRetrieveRemoteURL(t *testing.T) {
	f := newFixture(t)

	f.publish(t, services.PublishRequest{
		Name:    "cdn",
		Version: "1.0",
		URL:     "https://downloads.example.com/cdn-1.0.zip",
		URLTags: map[string]string{"eu": "https://eu.example.com/cdn-1.0.zip"},
	})

	payload, err := f.repo.Retrieve(services.RetrieveQuery{Name: "cdn"})
	require.NoError(t, err)
	assert.True(t, payload.IsRemote())
	assert.Nil(t, payload.Data)
	assert.Equal(t, "https://downloads.example.com/cdn-1.0.zip", payload.URL)

	payload, err = f.repo.Retrieve(services.RetrieveQuery{Name: "cdn", Tag: "eu"})
	require.NoError(t, err)
	assert.Equal(t, "https://eu.example.com/cdn-1.0.zip", payload.URL)

	payload, err = f.repo.Retrieve(services.RetrieveQuery{Name: "cdn", Tag: "us"})
	require.NoError(t, err)
	assert.Equal(t, "https://downloads.example.com/cdn-1.0.zip", payload.URL, "unknown tag falls back to the plain url")
}

func TestRetrieveByIdentifierAndKey(t *testing.T) {
	f := newFixture(t)

	p := f.publish(t, services.PublishRequest{
		Name: "acme", Version: "1.0", Identifier: "com.example.acme", Data: []byte("x"),
	})

	payload, err := f.repo.Retrieve(services.RetrieveQuery{Identifier: "com.example.acme"})
	require.NoError(t, err)
	assert.Equal(t, "x", string(payload.Data))

	payload, err = f.repo.Retrieve(services.RetrieveQuery{Key: p.Artifact.Key})
	require.NoError(t, err)
	assert.Equal(t, "acme", payload.Artifact.Package)

	_, err = f.repo.Retrieve(services.RetrieveQuery{Identifier: "unknown"})
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestRetrieveNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.Retrieve(services.RetrieveQuery{Name: "missing"})
	assert.ErrorIs(t, err, services.ErrNotFound)

	f.publish(t, services.PublishRequest{Name: "acme", Version: "1.0", Data: []byte("x")})
	_, err = f.repo.Retrieve(services.RetrieveQuery{Name: "acme", Version: "9.9"})
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestRetrieveMissingBlobIsEmptyPayload(t *testing.T) {
	f := newFixture(t)

	p := f.publish(t, services.PublishRequest{Name: "acme", Version: "1.0", Data: []byte("x")})
	require.NoError(t, f.blobs.Delete(p.Artifact.Path))

	_, err := f.repo.Retrieve(services.RetrieveQuery{Name: "acme"})
	assert.ErrorIs(t, err, services.ErrEmptyPayload)
	assert.NotErrorIs(t, err, services.ErrNotFound)
}

func TestPublishWithNeitherDataNorURL(t *testing.T) {
	f := newFixture(t)

	f.publish(t, services.PublishRequest{Name: "acme", Version: "1.0"})

	_, err := f.repo.Retrieve(services.RetrieveQuery{Name: "acme"})
	assert.ErrorIs(t, err, services.ErrEmptyPayload)
}

func TestPublishValidation(t *testing.T) {
	f := newFixture(t)

	cases := []services.PublishRequest{
		{Version: "1.0"},
		{Name: "acme"},
		{Name: "../acme", Version: "1.0"},
		{Name: "acme", Version: "../../etc/passwd"},
		{Name: "acme", Version: ".."},
	}
	for _, req := range cases {
		_, err := f.repo.Publish(req)
		assert.ErrorIs(t, err, services.ErrValidation, "request %+v", req)
	}

	pkgs, err := f.repo.ListPackages(models.PackageQuery{})
	require.NoError(t, err)
	assert.Empty(t, pkgs, "rejected publishes must not create packages")
}

func TestLatestPointer(t *testing.T) {
	f := newFixture(t)

	f.publish(t, services.PublishRequest{Name: "acme", Version: "2.0", Branch: "develop", Data: []byte("x")})

	pkg, err := f.repo.GetPackage("acme")
	require.NoError(t, err)
	assert.Empty(t, pkg.Latest, "latest stays unset until a master artifact lands")

	p := f.publish(t, services.PublishRequest{Name: "acme", Version: "1.0", Data: []byte("y")})
	assert.Equal(t, "1.0", p.Package.Latest)

	pkg, err = f.repo.GetPackage("acme")
	require.NoError(t, err)
	assert.Equal(t, "1.0", pkg.Latest)
	assert.Equal(t, p.Artifact.Timestamp, pkg.LatestTimestamp)

	pkgs, err := f.repo.ListPackages(models.PackageQuery{})
	require.NoError(t, err)
	assert.Len(t, pkgs, 1, "exactly one package record")
}

func TestDeletePackageCascades(t *testing.T) {
	f := newFixture(t)

	f.publish(t, services.PublishRequest{Name: "acme", Version: "1.0", Data: []byte("x")})
	f.publish(t, services.PublishRequest{Name: "acme", Version: "2.0", Branch: "beta", Data: []byte("y")})

	removed, err := f.repo.DeletePackage("acme")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, q := range []services.RetrieveQuery{{Name: "acme"}, {Name: "acme", Version: "2.0", Branch: "beta"}} {
		_, err := f.repo.Retrieve(q)
		assert.ErrorIs(t, err, services.ErrNotFound)
	}
	_, err = f.repo.GetPackage("acme")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestDeleteArtifact(t *testing.T) {
	f := newFixture(t)

	f.publish(t, services.PublishRequest{Name: "acme", Version: "1.0", Data: []byte("x")})
	f.publish(t, services.PublishRequest{Name: "acme", Version: "2.0", Data: []byte("y")})

	deleted, err := f.repo.DeleteArtifact(models.ArtifactFilter{Package: "acme", Version: "2.0"})
	require.NoError(t, err)
	assert.Equal(t, "2.0", deleted.Version)

	payload, err := f.repo.Retrieve(services.RetrieveQuery{Name: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "x", string(payload.Data))

	_, err = f.repo.DeleteArtifact(models.ArtifactFilter{Package: "acme", Version: "2.0"})
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestListArtifactsExpandInfo(t *testing.T) {
	f := newFixture(t)

	f.publish(t, services.PublishRequest{
		Name: "acme", Version: "1.0", Data: []byte("x"),
		Info: map[string]any{"commit": "abc", "notes": "long text"},
	})

	artifacts, err := f.repo.ListArtifacts(models.ArtifactFilter{Package: "acme"}, nil)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Nil(t, artifacts[0].Info)

	artifacts, err = f.repo.ListArtifacts(models.ArtifactFilter{Package: "acme"}, []string{"commit", "absent"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"commit": "abc"}, artifacts[0].Info)
}

func TestTagAndBranchOperations(t *testing.T) {
	f := newFixture(t)

	p := f.publish(t, services.PublishRequest{Name: "acme", Version: "3.0", Branch: "rc", Data: []byte("x")})
	key := p.Artifact.Key

	a, err := f.repo.AddTag(key, "stable")
	require.NoError(t, err)
	a, err = f.repo.AddTag(key, "stable")
	require.NoError(t, err)
	assert.Equal(t, []string{"stable"}, a.Tags)

	a, err = f.repo.RemoveTag(key, "stable")
	require.NoError(t, err)
	assert.Empty(t, a.Tags)

	a, err = f.repo.SetBranch(key, models.MasterBranch)
	require.NoError(t, err)
	assert.True(t, a.IsMaster())

	pkg, err := f.repo.GetPackage("acme")
	require.NoError(t, err)
	assert.Equal(t, "3.0", pkg.Latest)

	a, err = f.repo.SyncTimestamp(key)
	require.NoError(t, err)
	assert.Equal(t, a.Created, a.Timestamp)

	_, err = f.repo.AddTag("unknown", "x")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestSetBranchConflict(t *testing.T) {
	f := newFixture(t)

	f.publish(t, services.PublishRequest{Name: "acme", Version: "1.0", Data: []byte("x")})
	rc := f.publish(t, services.PublishRequest{Name: "acme", Version: "1.0", Branch: "rc", Data: []byte("y")})

	_, err := f.repo.SetBranch(rc.Artifact.Key, models.MasterBranch)
	assert.ErrorIs(t, err, services.ErrDuplicateArtifact)
}

func TestImportOperations(t *testing.T) {
	f := newFixture(t)

	p, err := f.repo.ImportFile("tool", "1.0", []byte("bin"), "", "application/zip", true)
	require.NoError(t, err)
	assert.Equal(t, "tool-1.0.artifact", p.FileName())
	assert.Equal(t, "application/zip", p.Artifact.ContentType)

	_, err = f.repo.ImportURL("remote", "1.0", "", "", true)
	assert.ErrorIs(t, err, services.ErrValidation)

	p, err = f.repo.ImportURL("remote", "1.0", "https://example.com/r.bin", "", true)
	require.NoError(t, err)
	assert.False(t, p.Artifact.IsLocal())
}

func TestConcurrentPublishNewPackage(t *testing.T) {
	f := newFixture(t)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.repo.Publish(services.PublishRequest{
				Name: "racy", Version: "1.0", Data: []byte("same"), Replace: true,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	pkgs, err := f.repo.ListPackages(models.PackageQuery{})
	require.NoError(t, err)
	assert.Len(t, pkgs, 1)

	artifacts, err := f.repo.ListArtifacts(models.ArtifactFilter{Package: "racy"}, nil)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestGarbageCollect(t *testing.T) {
	f := newFixture(t)

	f.publish(t, services.PublishRequest{Name: "keep", Version: "1.0", Data: []byte("kept")})
	f.publish(t, services.PublishRequest{Name: "drop", Version: "1.0", Data: []byte("orphan")})
	_, err := f.repo.DeletePackage("drop")
	require.NoError(t, err)

	result, err := f.repo.GarbageCollect()
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeletedBlobs)
	assert.EqualValues(t, len("orphan"), result.FreedBytes)

	payload, err := f.repo.Retrieve(services.RetrieveQuery{Name: "keep"})
	require.NoError(t, err)
	assert.Equal(t, "kept", string(payload.Data))
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)

	f.publish(t, services.PublishRequest{Name: "acme", Version: "1.0", Data: []byte{0x00, 0xff}})
	f.publish(t, services.PublishRequest{Name: "other", Version: "main", Data: []byte("other")})

	before := map[string][]byte{}
	for _, name := range []string{"acme", "other"} {
		payload, err := f.repo.Retrieve(services.RetrieveQuery{Name: name})
		require.NoError(t, err)
		before[payload.Artifact.Path] = payload.Data
	}

	archive, err := f.repo.Archive()
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(archive) })

	require.NoError(t, f.repo.Restore(archive, true))

	for path, data := range before {
		got, err := f.blobs.Read(path)
		require.NoError(t, err)
		assert.Equal(t, data, got, path)
	}
}
