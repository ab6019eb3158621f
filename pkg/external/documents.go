package external

import (
	"context"
	"fmt"

	"github.com/danvoulez/ledger/pkg/artifacts"
)

// ArtifactDocumentStore adapts the teacher's pkg/artifacts.Store
// (content-addressed storage keyed by SHA-256, with FileStore/S3Store/
// GCSStore backends) into the DocumentStore collaborator contract: its
// "uri" is simply the content hash artifacts.Store already returns from
// Store, so Download needs no separate lookup table.
type ArtifactDocumentStore struct {
	store artifacts.Store
}

func NewArtifactDocumentStore(store artifacts.Store) *ArtifactDocumentStore {
	return &ArtifactDocumentStore{store: store}
}

func (a *ArtifactDocumentStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	hash, err := a.store.Store(ctx, data)
	if err != nil {
		return "", fmt.Errorf("external: upload document %q: %w", key, err)
	}
	return hash, nil
}

func (a *ArtifactDocumentStore) Download(ctx context.Context, uri string) ([]byte, error) {
	data, err := a.store.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("external: download document %q: %w", uri, err)
	}
	return data, nil
}

// ArtifactAttachmentStore is the same adaptation for the AttachmentStore
// contract, which additionally exposes Delete — artifacts.Store already
// supports it directly.
type ArtifactAttachmentStore struct {
	store artifacts.Store
}

func NewArtifactAttachmentStore(store artifacts.Store) *ArtifactAttachmentStore {
	return &ArtifactAttachmentStore{store: store}
}

func (a *ArtifactAttachmentStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	hash, err := a.store.Store(ctx, data)
	if err != nil {
		return "", fmt.Errorf("external: upload attachment %q: %w", key, err)
	}
	return hash, nil
}

func (a *ArtifactAttachmentStore) Download(ctx context.Context, uri string) ([]byte, error) {
	data, err := a.store.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("external: download attachment %q: %w", uri, err)
	}
	return data, nil
}

func (a *ArtifactAttachmentStore) Delete(ctx context.Context, uri string) error {
	if err := a.store.Delete(ctx, uri); err != nil {
		return fmt.Errorf("external: delete attachment %q: %w", uri, err)
	}
	return nil
}
