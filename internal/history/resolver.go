// Package history resolves the tag history of an image's repository and
// picks the image a crash-looping container should roll back to.
package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/penguintechinc/rollbackd/internal/container"
	"github.com/penguintechinc/rollbackd/pkg/types"
)

var (
	// ErrImageNotFound is returned when the engine no longer has the current image or it carries no tag
	ErrImageNotFound = errors.New("image not found")
	// ErrNoPreviousImage is returned when the repository has no image older than the current one
	ErrNoPreviousImage = errors.New("no previous image")
)

// ImageSource is the read-only part of the engine the resolver needs
type ImageSource interface {
	ListImages(ctx context.Context) ([]types.ImageRecord, error)
	InspectImage(ctx context.Context, imageID string) (types.ImageRecord, error)
}

// ImageHistory is every image of a repository, newest first
type ImageHistory struct {
	Repository string
	Images     []types.ImageRecord
}

// IndexOf returns the position of imageID in the history, or -1
func (h ImageHistory) IndexOf(imageID string) int {
	return slices.IndexFunc(h.Images, func(img types.ImageRecord) bool {
		return img.ID == imageID
	})
}

// Previous returns the image created just before imageID.
// ok is false when imageID is absent or is the oldest image of the repository.
func (h ImageHistory) Previous(imageID string) (types.ImageRecord, bool) {
	idx := h.IndexOf(imageID)
	if idx < 0 || idx+1 >= len(h.Images) {
		return types.ImageRecord{}, false
	}
	return h.Images[idx+1], true
}

// Resolver builds image histories from the engine's image list
type Resolver struct {
	images ImageSource
	logger *zap.Logger
}

// NewResolver creates a resolver reading from images
func NewResolver(images ImageSource, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{images: images, logger: logger}
}

// RepositoryName returns the part of a tag before its last ':'.
// A tag without a version separator is its own repository name.
func RepositoryName(tag string) string {
	if i := strings.LastIndex(tag, ":"); i >= 0 {
		return tag[:i]
	}
	return tag
}

// ResolveHistory returns the history of the repository currentImageID belongs to
func (r *Resolver) ResolveHistory(ctx context.Context, currentImageID string) (ImageHistory, error) {
	current, err := r.images.InspectImage(ctx, currentImageID)
	if err != nil {
		if container.IsNotFound(err) {
			return ImageHistory{}, fmt.Errorf("%w: %s: %w", ErrImageNotFound, types.ShortID(currentImageID), err)
		}
		return ImageHistory{}, err
	}
	tag := current.PrimaryTag()
	if tag == "" {
		return ImageHistory{}, fmt.Errorf("%w: %s has no repo tags", ErrImageNotFound, types.ShortID(currentImageID))
	}
	repo := RepositoryName(tag)

	all, err := r.images.ListImages(ctx)
	if err != nil {
		return ImageHistory{}, fmt.Errorf("failed to list images for %s: %w", repo, err)
	}

	return ImageHistory{Repository: repo, Images: filterAndSort(all, repo)}, nil
}

// PreviousTag returns the tag of the image the repository held before currentImageID
func (r *Resolver) PreviousTag(ctx context.Context, currentImageID string) (string, error) {
	h, err := r.ResolveHistory(ctx, currentImageID)
	if err != nil {
		return "", err
	}

	prev, ok := h.Previous(currentImageID)
	if !ok {
		r.logger.Info("no previous image in repository",
			zap.String("repository", h.Repository),
			zap.String("image", types.ShortID(currentImageID)),
			zap.Int("history", len(h.Images)))
		return "", fmt.Errorf("%w for repository %s", ErrNoPreviousImage, h.Repository)
	}

	tag := repoTag(prev, h.Repository)
	r.logger.Debug("resolved previous image",
		zap.String("repository", h.Repository),
		zap.String("current", types.ShortID(currentImageID)),
		zap.String("previous", tag))
	return tag, nil
}

// repoTag returns the first tag of img that belongs to repo
func repoTag(img types.ImageRecord, repo string) string {
	for _, tag := range img.RepoTags {
		if strings.HasPrefix(tag, repo) {
			return tag
		}
	}
	return img.PrimaryTag()
}

// filterAndSort keeps images with a tag in repo and orders them newest first.
// Images created at the same instant keep the engine's listing order.
func filterAndSort(all []types.ImageRecord, repo string) []types.ImageRecord {
	result := make([]types.ImageRecord, 0, len(all))
	for _, img := range all {
		if slices.ContainsFunc(img.RepoTags, func(tag string) bool { return strings.HasPrefix(tag, repo) }) {
			result = append(result, img)
		}
	}

	slices.SortStableFunc(result, func(a, b types.ImageRecord) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return result
}
