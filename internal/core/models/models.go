package models

import (
	"fmt"
	"time"
)

// MasterBranch is the branch that moves a package's latest pointer.
const MasterBranch = "master"

type Package struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Identifier      string `json:"identifier"`
	Type            string `json:"type,omitempty"`
	Latest          string `json:"latest,omitempty"`
	LatestTimestamp int64  `json:"latest_timestamp,omitempty"`
	Created         int64  `json:"created"`
}

// Artifact is one published payload of a package. Path, URL and URLTags are
// storage details and never leave the server as JSON.
type Artifact struct {
	ID          int64             `json:"id"`
	Key         string            `json:"key"`
	Package     string            `json:"package"`
	Version     string            `json:"version"`
	Branch      string            `json:"branch"`
	Tags        []string          `json:"tags"`
	Timestamp   int64             `json:"timestamp"`
	Info        map[string]any    `json:"info,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Digest      string            `json:"digest,omitempty"`
	Size        int64             `json:"size,omitempty"`
	Path        string            `json:"-"`
	URL         string            `json:"-"`
	URLTags     map[string]string `json:"-"`
	Created     int64             `json:"created"`
	Modified    time.Time         `json:"modified"`
}

// IsLocal reports whether the payload lives in the blob store.
func (a *Artifact) IsLocal() bool {
	return a.Path != ""
}

// IsMaster reports whether the artifact belongs to the master branch.
func (a *Artifact) IsMaster() bool {
	return a.Branch == MasterBranch
}

// FileName is the download name, <package>-<version>.<type>.
func (a *Artifact) FileName(pkgType string) string {
	if pkgType == "" {
		pkgType = "artifact"
	}
	return fmt.Sprintf("%s-%s.%s", a.Package, a.Version, pkgType)
}

// BlobRef describes a blob written by the blob store.
type BlobRef struct {
	Location string
	Digest   string
	Size     int64
}

// ArtifactFilter selects artifacts. Empty fields match anything.
type ArtifactFilter struct {
	Key     string
	Package string
	Version string
	Branch  string
	Skip    int
	Limit   int
}

// PackageQuery controls package listings.
type PackageQuery struct {
	Search string
	Type   string
	// Sort is a column name, optionally prefixed with '-' for descending.
	Sort  string
	Skip  int
	Limit int
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type PublishResponse struct {
	Key         string `json:"key"`
	Package     string `json:"package"`
	Version     string `json:"version"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
}

type GCResult struct {
	DeletedBlobs int   `json:"deleted_blobs"`
	FreedBytes   int64 `json:"freed_bytes"`
}
