// Package objectstore uploads compliance export bundles to S3 or an
// S3-compatible store such as MinIO.
package objectstore
