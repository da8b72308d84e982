package services

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foundry/repos/internal/core/models"
)

// DefaultPackageType is used for new packages published without a type.
const DefaultPackageType = "package"

// Repository publishes and retrieves artifacts. It owns no state beyond its
// collaborators; uniqueness of package names and artifact triples is enforced
// by the metadata store, and publishes to one package are serialized in
// process.
type Repository struct {
	blobs  BlobStorage
	meta   MetadataStore
	logger zerolog.Logger
	now    func() time.Time
	newKey func() string

	pkgLocks *keyedLocks
	// gcMu keeps garbage collection from deleting a blob between a publish
	// writing it and the artifact row referencing it.
	gcMu sync.RWMutex
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source used for timestamps and ordering.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates a Repository over the given collaborators.
func NewRepository(blobs BlobStorage, meta MetadataStore, logger zerolog.Logger, opts ...Option) *Repository {
	r := &Repository{
		blobs:    blobs,
		meta:     meta,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newKey:   func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		pkgLocks: newKeyedLocks(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PublishRequest carries everything a publish may set. Branch defaults to
// master and Type to DefaultPackageType. With Replace unset an existing
// (package, version, branch) artifact makes the publish fail.
type PublishRequest struct {
	Name        string
	Version     string
	Branch      string
	Tags        []string
	Data        []byte
	URL         string
	URLTags     map[string]string
	Identifier  string
	Info        map[string]any
	Type        string
	ContentType string
	Replace     bool
}

// Published is the outcome of a publish.
type Published struct {
	Artifact models.Artifact
	Package  models.Package
}

// FileName is the name the payload is served under.
func (p *Published) FileName() string {
	return p.Artifact.FileName(p.Package.Type)
}

// Publish stores a new artifact or, with Replace, updates the existing one for
// the same (package, version, branch) in place.
//
// Package creation, blob write and artifact save are separate steps; a
// failure part way leaves whatever was already written (a package with no
// artifact, or an unreferenced blob reclaimable by GarbageCollect).
func (r *Repository) Publish(req PublishRequest) (*Published, error) {
	if req.Branch == "" {
		req.Branch = models.MasterBranch
	}
	if req.Type == "" {
		req.Type = DefaultPackageType
	}
	if err := ValidatePathElement("name", req.Name); err != nil {
		return nil, err
	}
	if err := ValidatePathElement("version", req.Version); err != nil {
		return nil, err
	}

	r.gcMu.RLock()
	defer r.gcMu.RUnlock()
	unlock := r.pkgLocks.lock(req.Name)
	defer unlock()

	existing, err := r.meta.FindArtifact(models.ArtifactFilter{
		Package: req.Name,
		Version: req.Version,
		Branch:  req.Branch,
	})
	if err != nil {
		return nil, fmt.Errorf("looking up artifact: %w", err)
	}
	if existing != nil && !req.Replace {
		return nil, fmt.Errorf("%w: %s@%s (%s)", ErrDuplicateArtifact, req.Name, req.Version, req.Branch)
	}

	now := r.now()
	info := req.Info
	if len(info) > 0 {
		info = maps.Clone(info)
		info["timestamp"] = now.Unix()
	}

	pkg, err := r.meta.EnsurePackage(models.Package{
		Name:       req.Name,
		Identifier: req.Identifier,
		Type:       req.Type,
		Created:    now.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring package: %w", err)
	}

	var ref models.BlobRef
	if len(req.Data) > 0 {
		ref, err = r.blobs.Store(req.Name, req.Version, bytes.NewReader(req.Data))
		if err != nil {
			return nil, fmt.Errorf("storing blob: %w", err)
		}
	}

	artifact := existing
	if artifact == nil {
		artifact = &models.Artifact{
			Key:     r.newKey(),
			Package: req.Name,
			Version: req.Version,
			Branch:  req.Branch,
			Created: now.Unix(),
		}
	}
	artifact.Tags = req.Tags
	artifact.Timestamp = now.Unix()
	artifact.Modified = now
	artifact.Info = info
	artifact.Path = ref.Location
	artifact.Digest = ref.Digest
	artifact.Size = ref.Size
	artifact.URL = req.URL
	artifact.URLTags = req.URLTags
	artifact.ContentType = req.ContentType

	if err := r.meta.SaveArtifact(artifact); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateArtifact, err)
		}
		return nil, fmt.Errorf("saving artifact: %w", err)
	}

	if artifact.IsMaster() {
		if err := r.meta.UpdateLatest(pkg.Name, artifact.Version, artifact.Timestamp); err != nil {
			return nil, fmt.Errorf("updating latest version: %w", err)
		}
		pkg.Latest = artifact.Version
		pkg.LatestTimestamp = artifact.Timestamp
	}

	r.logger.Info().
		Str("package", artifact.Package).
		Str("version", artifact.Version).
		Str("branch", artifact.Branch).
		Str("location", artifact.Path).
		Bool("replaced", existing != nil).
		Msg("artifact published")

	return &Published{Artifact: *artifact, Package: *pkg}, nil
}

// ImportFile publishes a local payload with the defaults of the file import
// operation.
func (r *Repository) ImportFile(pkg, version string, data []byte, pkgType, contentType string, replace bool) (*Published, error) {
	if pkgType == "" {
		pkgType = "artifact"
	}
	return r.Publish(PublishRequest{
		Name:        pkg,
		Version:     version,
		Data:        data,
		Type:        pkgType,
		ContentType: contentType,
		Replace:     replace,
	})
}

// ImportURL publishes an externally hosted artifact.
func (r *Repository) ImportURL(pkg, version, url, pkgType string, replace bool) (*Published, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", ErrValidation)
	}
	if pkgType == "" {
		pkgType = "artifact"
	}
	return r.Publish(PublishRequest{
		Name:    pkg,
		Version: version,
		URL:     url,
		Type:    pkgType,
		Replace: replace,
	})
}

// RetrieveQuery selects the artifact to retrieve. Empty fields are wildcards;
// Identifier resolves a package by identifier when Name is empty.
type RetrieveQuery struct {
	Key        string
	Name       string
	Identifier string
	Version    string
	Branch     string
	Tag        string
}

// Payload is a retrieved artifact: either local bytes or a URL to redirect to.
type Payload struct {
	Data        []byte
	FileName    string
	ContentType string
	URL         string
	Artifact    models.Artifact
}

// IsRemote reports whether the caller should redirect to URL.
func (p *Payload) IsRemote() bool {
	return p.URL != ""
}

// Retrieve resolves the most recently modified artifact matching q. Versions
// are never compared; whichever matching record was touched last wins.
func (r *Repository) Retrieve(q RetrieveQuery) (*Payload, error) {
	name := q.Name
	if name == "" && q.Identifier != "" {
		pkg, err := r.meta.GetPackageByIdentifier(q.Identifier)
		if err != nil {
			return nil, fmt.Errorf("resolving identifier: %w", err)
		}
		if pkg == nil {
			return nil, fmt.Errorf("%w: package with identifier %s", ErrNotFound, q.Identifier)
		}
		name = pkg.Name
	}

	artifact, err := r.meta.FindArtifact(models.ArtifactFilter{
		Key:     q.Key,
		Package: name,
		Version: q.Version,
		Branch:  q.Branch,
	})
	if err != nil {
		return nil, fmt.Errorf("finding artifact: %w", err)
	}
	if artifact == nil {
		return nil, fmt.Errorf("%w: no artifact for package %q version %q branch %q", ErrNotFound, name, q.Version, q.Branch)
	}

	if !artifact.IsLocal() {
		url := artifact.URL
		if q.Tag != "" {
			if tagged, ok := artifact.URLTags[q.Tag]; ok {
				url = tagged
			}
		}
		if url == "" {
			return nil, fmt.Errorf("%w: %s@%s has neither data nor url", ErrEmptyPayload, artifact.Package, artifact.Version)
		}
		return &Payload{URL: url, Artifact: *artifact}, nil
	}

	data, err := r.blobs.Read(artifact.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrEmptyPayload, artifact.Path, err)
	}

	pkg, err := r.meta.GetPackage(artifact.Package)
	if err != nil {
		return nil, fmt.Errorf("getting package: %w", err)
	}
	var pkgType string
	if pkg != nil {
		pkgType = pkg.Type
	}

	return &Payload{
		Data:        data,
		FileName:    artifact.FileName(pkgType),
		ContentType: artifact.ContentType,
		Artifact:    *artifact,
	}, nil
}

// Info returns the info map of the most recently modified artifact of a
// package, optionally restricted to a version.
func (r *Repository) Info(name, version string) (map[string]any, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	artifact, err := r.meta.FindArtifact(models.ArtifactFilter{Package: name, Version: version})
	if err != nil {
		return nil, fmt.Errorf("finding artifact: %w", err)
	}
	if artifact == nil {
		return nil, fmt.Errorf("%w: no artifact for package %q version %q", ErrNotFound, name, version)
	}
	if artifact.Info == nil {
		return map[string]any{}, nil
	}
	return artifact.Info, nil
}

// ListPackages returns packages matching q.
func (r *Repository) ListPackages(q models.PackageQuery) ([]models.Package, error) {
	return r.meta.ListPackages(q)
}

// GetPackage returns a package by name.
func (r *Repository) GetPackage(name string) (*models.Package, error) {
	pkg, err := r.meta.GetPackage(name)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, fmt.Errorf("%w: package %s", ErrNotFound, name)
	}
	return pkg, nil
}

// ListArtifacts returns matching artifacts, newest-modified first. Info is
// reduced to the keys in expandInfo, or dropped when expandInfo is empty.
func (r *Repository) ListArtifacts(f models.ArtifactFilter, expandInfo []string) ([]models.Artifact, error) {
	artifacts, err := r.meta.ListArtifacts(f)
	if err != nil {
		return nil, err
	}
	for i := range artifacts {
		artifacts[i].Info = pickInfo(artifacts[i].Info, expandInfo)
	}
	return artifacts, nil
}

func pickInfo(info map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	picked := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := info[f]; ok {
			picked[f] = v
		}
	}
	return picked
}

// DeletePackage removes a package and, first, all of its artifacts. Blobs are
// left on disk for GarbageCollect.
func (r *Repository) DeletePackage(name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: name is required", ErrValidation)
	}
	unlock := r.pkgLocks.lock(name)
	defer unlock()

	removed, err := r.meta.DeletePackage(name)
	if err != nil {
		return 0, err
	}
	r.logger.Info().Str("package", name).Int("artifacts", removed).Msg("package deleted")
	return removed, nil
}

// DeleteArtifact removes the most recently modified artifact matching f. The
// package's latest pointer is left as is.
func (r *Repository) DeleteArtifact(f models.ArtifactFilter) (*models.Artifact, error) {
	if f.Package == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	unlock := r.pkgLocks.lock(f.Package)
	defer unlock()

	artifact, err := r.meta.FindArtifact(f)
	if err != nil {
		return nil, fmt.Errorf("finding artifact: %w", err)
	}
	if artifact == nil {
		return nil, fmt.Errorf("%w: no artifact for package %q version %q branch %q", ErrNotFound, f.Package, f.Version, f.Branch)
	}
	if err := r.meta.DeleteArtifact(artifact.ID); err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("package", artifact.Package).
		Str("version", artifact.Version).
		Str("branch", artifact.Branch).
		Msg("artifact deleted")
	return artifact, nil
}

// AddTag adds a tag to the artifact with the given key. Existing tags are a no-op.
func (r *Repository) AddTag(key, tag string) (*models.Artifact, error) {
	if tag == "" {
		return nil, fmt.Errorf("%w: tag is required", ErrValidation)
	}
	return r.updateByKey(key, func(a *models.Artifact) bool {
		for _, t := range a.Tags {
			if t == tag {
				return false
			}
		}
		a.Tags = append(a.Tags, tag)
		return true
	})
}

// RemoveTag removes a tag from the artifact with the given key. Missing tags are a no-op.
func (r *Repository) RemoveTag(key, tag string) (*models.Artifact, error) {
	return r.updateByKey(key, func(a *models.Artifact) bool {
		for i, t := range a.Tags {
			if t == tag {
				a.Tags = append(a.Tags[:i], a.Tags[i+1:]...)
				return true
			}
		}
		return false
	})
}

// SetBranch moves the artifact with the given key to another branch. Moving
// onto master updates the package's latest pointer.
func (r *Repository) SetBranch(key, branch string) (*models.Artifact, error) {
	if branch == "" {
		return nil, fmt.Errorf("%w: branch is required", ErrValidation)
	}
	a, err := r.updateByKey(key, func(a *models.Artifact) bool {
		if a.Branch == branch {
			return false
		}
		a.Branch = branch
		return true
	})
	if err != nil {
		return nil, err
	}
	if a.IsMaster() {
		if err := r.meta.UpdateLatest(a.Package, a.Version, a.Timestamp); err != nil {
			return nil, fmt.Errorf("updating latest version: %w", err)
		}
	}
	return a, nil
}

// SyncTimestamp resets the publish timestamp of the artifact with the given
// key to its creation time.
func (r *Repository) SyncTimestamp(key string) (*models.Artifact, error) {
	return r.updateByKey(key, func(a *models.Artifact) bool {
		a.Timestamp = a.Created
		a.Modified = time.Unix(a.Created, 0).UTC()
		return true
	})
}

// updateByKey applies fn to the artifact with key and saves it when fn
// reports a change. The modification time is left to fn.
func (r *Repository) updateByKey(key string, fn func(*models.Artifact) bool) (*models.Artifact, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrValidation)
	}
	a, err := r.meta.FindArtifact(models.ArtifactFilter{Key: key})
	if err != nil {
		return nil, fmt.Errorf("finding artifact: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, key)
	}

	unlock := r.pkgLocks.lock(a.Package)
	defer unlock()

	if !fn(a) {
		return a, nil
	}
	if err := r.meta.SaveArtifact(a); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateArtifact, err)
		}
		return nil, fmt.Errorf("saving artifact: %w", err)
	}
	return a, nil
}

// GarbageCollect deletes blob files no artifact references.
func (r *Repository) GarbageCollect() (models.GCResult, error) {
	r.gcMu.Lock()
	defer r.gcMu.Unlock()

	referenced, err := r.meta.ReferencedPaths()
	if err != nil {
		return models.GCResult{}, fmt.Errorf("getting referenced paths: %w", err)
	}
	blobs, err := r.blobs.ListBlobs()
	if err != nil {
		return models.GCResult{}, fmt.Errorf("listing blobs: %w", err)
	}

	var result models.GCResult
	for _, loc := range blobs {
		if referenced[loc] {
			continue
		}
		size, err := r.blobs.Size(loc)
		if err != nil {
			r.logger.Error().Err(err).Str("location", loc).Msg("sizing unreferenced blob")
		}
		if err := r.blobs.Delete(loc); err != nil {
			r.logger.Error().Err(err).Str("location", loc).Msg("deleting unreferenced blob")
			continue
		}
		result.DeletedBlobs++
		result.FreedBytes += size
		r.logger.Info().Str("location", loc).Msg("garbage collected blob")
	}
	return result, nil
}

// Archive zips the whole blob root and returns the temporary file's path.
func (r *Repository) Archive() (string, error) {
	start := r.now()
	path, err := r.blobs.Archive()
	if err != nil {
		return "", err
	}
	r.logger.Info().Str("archive", path).Dur("latency", r.now().Sub(start)).Msg("repository archived")
	return path, nil
}

// Restore expands an archive into the blob root, wiping it first when wipe is set.
func (r *Repository) Restore(archivePath string, wipe bool) error {
	if err := r.blobs.Restore(archivePath, wipe); err != nil {
		return err
	}
	r.logger.Info().Str("archive", archivePath).Bool("wipe", wipe).Msg("repository restored")
	return nil
}
