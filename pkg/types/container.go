package types

import (
	"strings"
	"time"
)

// ImageIDPrefix is the digest algorithm prefix the engine puts on image IDs
const ImageIDPrefix = "sha256:"

// Rollback outcomes, used as metric labels and in published events
const (
	OutcomeSucceeded  = "succeeded"
	OutcomeFailed     = "failed"
	OutcomeNoPrevious = "no_previous_image"
	OutcomeDryRun     = "dry_run"
)

// ContainerSnapshot is a per-cycle view of a container as reported by the engine
type ContainerSnapshot struct {
	ID           string
	Name         string
	State        string
	Status       string
	ImageID      string
	RestartCount int
}

// WithRestartCount returns a copy of the snapshot carrying the given restart count
func (c ContainerSnapshot) WithRestartCount(n int) ContainerSnapshot {
	c.RestartCount = n
	return c
}

// ImageRecord describes a locally known image
type ImageRecord struct {
	ID        string
	RepoTags  []string
	CreatedAt time.Time
}

// PrimaryTag returns the first repo tag, or "" for an untagged image
func (r ImageRecord) PrimaryTag() string {
	if len(r.RepoTags) == 0 {
		return ""
	}
	return r.RepoTags[0]
}

// ContainerReport is one row of the cycle summary
type ContainerReport struct {
	Name         string
	State        string
	Status       string
	ImageRepoTag string
	ImageID      string
}

// ShortImageID strips the digest algorithm prefix from an image ID
func ShortImageID(id string) string {
	return strings.TrimPrefix(id, ImageIDPrefix)
}

// ShortID truncates a container or image ID to the 12 characters docker prints
func ShortID(id string) string {
	id = ShortImageID(id)
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
