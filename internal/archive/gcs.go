// Package archive stores raw normalized-page captures next to their snapshot
// rows so structure regressions can be investigated after the fact.
package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/calderops/sitewatch/internal/monitor"
)

// GCS archives snapshot captures as JSON objects in a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS initializes a GCS archiver and verifies bucket access so bad
// configuration fails at startup, not mid-cycle.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bucket %q attributes: %w", bucket, err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// NewGCSWithClient constructs an archiver from an existing client (primarily
// for testing).
func NewGCSWithClient(client *storage.Client, bucket string) (*GCS, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}

type capture struct {
	Snapshot monitor.StructureSnapshot `json:"snapshot"`
	Page     monitor.NormalizedPage    `json:"page"`
}

// ArchiveSnapshot uploads the snapshot and its source page as one JSON object
// and returns the gs:// URI.
func (g *GCS) ArchiveSnapshot(ctx context.Context, snap monitor.StructureSnapshot, page monitor.NormalizedPage) (string, error) {
	data, err := json.Marshal(capture{Snapshot: snap, Page: page})
	if err != nil {
		return "", fmt.Errorf("marshal capture: %w", err)
	}

	path := objectPath(snap)
	writer := g.client.Bucket(g.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("write capture: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write capture: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, path), nil
}

// objectPath partitions captures by site and day so forensics can list one
// site's history cheaply.
func objectPath(snap monitor.StructureSnapshot) string {
	return fmt.Sprintf("%s/%s/%s/%s.json",
		snap.Site,
		snap.PageType,
		snap.CapturedAt.UTC().Format("2006-01-02"),
		snap.ID,
	)
}
