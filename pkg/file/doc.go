// Package file provides blob storage for job processors with S3 and local filesystem backends.
//
// Both backends implement BlobStore, a flat key space with slash separated keys:
//
//	Put(ctx, key, body, meta)  stores an object, replacing any existing one
//	Open(ctx, key)             streams an object back
//	List(ctx, prefix)          lists objects recursively with size and last-modified time
//	Delete(ctx, key)           removes an object, ErrFileNotFound when missing
//
// S3Store works with AWS S3 and S3-compatible services such as MinIO. LocalStore keeps
// objects under a base directory and stores metadata in a hidden sidecar directory.
// NewBlobStore picks S3 when a bucket is configured and the local store otherwise:
//
//	var cfg file.S3Config
//	config.MustLoad(&cfg)
//
//	store, err := file.NewBlobStore(ctx, cfg)
//	if err != nil {
//		return err
//	}
//
//	info, err := store.Put(ctx, "backups/database/dump.sql.gz", f, file.Metadata{
//		ContentType: "application/gzip",
//		Attributes:  map[string]string{"checksum": sum},
//	})
//
// # Keys
//
// CleanKey normalizes keys and rejects empty keys and keys containing ".." segments,
// so no object can be written outside the store root.
//
// # Errors
//
// S3 failures are classified into package errors (ErrFileNotFound, ErrBucketNotFound,
// ErrAccessDenied, ErrServiceUnavailable, ErrOperationTimeout, ...) and can be
// matched with errors.Is.
package file
