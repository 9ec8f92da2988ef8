// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs uploads a run's output directory to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

// ErrBadURL is returned for destinations that are not gs://bucket[/prefix].
var ErrBadURL = errors.New("destination must look like gs://bucket/prefix")

// Config selects the destination and credentials.
type Config struct {
	// URL is gs://bucket or gs://bucket/prefix.
	URL string `yaml:"url"`

	// CredentialsFile is a service-account key. Empty uses application
	// default credentials.
	CredentialsFile string `yaml:"credentials_file"`

	// Endpoint overrides the API endpoint, e.g. a local emulator. Requests
	// to an overridden endpoint are unauthenticated.
	Endpoint string `yaml:"endpoint"`

	// Parallel bounds concurrent object uploads. Default 4.
	Parallel int `yaml:"parallel"`
}

// ParseURL splits gs://bucket/prefix.
func ParseURL(u string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(u, "gs://")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadURL, u)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadURL, u)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// objectStore creates object writers; the storage bucket handle satisfies
// it through bucketHandle.
type objectStore interface {
	NewWriter(ctx context.Context, name string) io.WriteCloser
}

type bucketHandle struct {
	b *storage.BucketHandle
}

func (h bucketHandle) NewWriter(ctx context.Context, name string) io.WriteCloser {
	w := h.b.Object(name).NewWriter(ctx)
	w.ContentType = contentType(name)
	w.CacheControl = "no-cache"
	return w
}

// Uploader copies output directories into one bucket.
type Uploader struct {
	client   *storage.Client
	store    objectStore
	bucket   string
	prefix   string
	parallel int
	logger   *slog.Logger
}

// NewUploader connects to Cloud Storage.
//
// Description:
//
//	Checks the credentials file up front so a bad path fails before the
//	run starts rather than after it finishes.
//
// Inputs:
//
//	ctx - Used for client construction.
//	cfg - Destination and credentials.
//	logger - Receives one line per uploaded object at debug level.
//
// Outputs:
//
//	*Uploader - Ready uploader. Caller must Close it.
//	error - ErrBadURL, a missing key file, or a client error.
func NewUploader(ctx context.Context, cfg Config, logger *slog.Logger) (*Uploader, error) {
	bucket, prefix, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	u := newUploader(bucketHandle{b: client.Bucket(bucket)}, bucket, prefix, cfg.Parallel, logger)
	u.client = client
	return u, nil
}

func newUploader(store objectStore, bucket, prefix string, parallel int, logger *slog.Logger) *Uploader {
	if parallel < 1 {
		parallel = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{store: store, bucket: bucket, prefix: prefix, parallel: parallel, logger: logger}
}

// Upload copies every regular file under dir to prefix/runID/, keeping
// the relative layout.
func (u *Uploader) Upload(ctx context.Context, dir, runID string) error {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(u.parallel)
	for _, p := range files {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := path.Join(u.prefix, runID, filepath.ToSlash(rel))
		g.Go(func() error { return u.uploadFile(ctx, p, name) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	u.logger.Info("outputs uploaded", "files", len(files), "destination", "gs://"+path.Join(u.bucket, u.prefix, runID))
	return nil
}

func (u *Uploader) uploadFile(ctx context.Context, local, name string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	w := u.store.NewWriter(ctx, name)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish %s: %w", name, err)
	}
	u.logger.Debug("uploaded", "object", name)
	return nil
}

// Close releases the storage client.
func (u *Uploader) Close() error {
	if u.client == nil {
		return nil
	}
	return u.client.Close()
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".yaml":
		return "application/yaml"
	case ".log":
		return "application/x-ndjson"
	case ".dat":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
