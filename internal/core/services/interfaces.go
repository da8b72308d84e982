package services

import (
	"io"

	"github.com/foundry/repos/internal/core/models"
)

// BlobStorage keeps artifact payloads on disk under <root>/<package>/<version>.
type BlobStorage interface {
	// Store writes the payload for a package version, replacing any existing
	// file, and returns its location relative to the root.
	Store(pkg, version string, r io.Reader) (models.BlobRef, error)

	// Read returns the bytes at a relative location. Locations that are
	// missing or resolve outside the root yield ErrNotFound.
	Read(location string) ([]byte, error)

	// Delete removes the blob at a relative location.
	Delete(location string) error

	// ListBlobs returns the relative location of every blob under the root.
	ListBlobs() ([]string, error)

	// Size returns the size in bytes of the blob at a relative location.
	Size(location string) (int64, error)

	// Archive zips the whole root into a temporary file and returns its path.
	Archive() (string, error)

	// Restore extracts a zip archive into the root, removing the existing
	// content first when wipe is set.
	Restore(archivePath string, wipe bool) error
}

// MetadataStore persists packages and artifacts with unique indexes on the
// package name and on (package, version, branch).
type MetadataStore interface {
	// EnsurePackage returns the package named pkg.Name, creating it from pkg
	// when absent. Concurrent calls for the same name yield one row.
	EnsurePackage(pkg models.Package) (*models.Package, error)

	// GetPackage retrieves a package by name, nil when absent.
	GetPackage(name string) (*models.Package, error)

	// GetPackageByIdentifier retrieves a package by identifier, nil when absent.
	GetPackageByIdentifier(identifier string) (*models.Package, error)

	// ListPackages returns packages matching the query.
	ListPackages(q models.PackageQuery) ([]models.Package, error)

	// UpdateLatest overwrites the latest pointer of a package.
	UpdateLatest(name, version string, timestamp int64) error

	// DeletePackage removes a package and all of its artifacts, returning
	// the number of artifacts removed.
	DeletePackage(name string) (int, error)

	// FindArtifact returns the most recently modified artifact matching the
	// filter, nil when nothing matches.
	FindArtifact(f models.ArtifactFilter) (*models.Artifact, error)

	// ListArtifacts returns matching artifacts, most recently modified first.
	ListArtifacts(f models.ArtifactFilter) ([]models.Artifact, error)

	// SaveArtifact inserts the artifact when its ID is zero and updates it
	// in place otherwise. Unique violations yield ErrConflict.
	SaveArtifact(a *models.Artifact) error

	// DeleteArtifact deletes an artifact by ID.
	DeleteArtifact(id int64) error

	// ReferencedPaths returns every blob location referenced by an artifact.
	ReferencedPaths() (map[string]bool, error)

	// Close closes the metadata store.
	Close() error
}

// Authenticator validates admin bearer tokens.
type Authenticator interface {
	// ValidateToken checks if a token is valid.
	ValidateToken(token string) bool
}

// CredentialChecker gates read access with an optional basic-auth pair.
type CredentialChecker interface {
	// Enabled reports whether credentials are required at all.
	Enabled() bool

	// Check compares a username and password with the configured pair.
	Check(username, password string) bool
}
