package storage

import (
	"context"
	"errors"
	"io"

	azblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// blobClient is the subset of *azblob.Client this package exercises,
// narrowed the way massifs/blobreader.go's logBlobReader narrows the
// teacher's own blob facade down to what each caller actually needs.
type blobClient interface {
	DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
	UploadBuffer(ctx context.Context, containerName, blobName string, buf []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// BlobStore implements ObjectStore over a single Azure Blob Storage
// container, an alternate publish target to LocalStore for operators who
// push signed artifacts straight to blob storage rather than a local
// directory a CDN pulls from (spec §6.2 names the local tree; this is the
// domain-stack alternative the pack's azblob dependency exists to serve).
type BlobStore struct {
	client    blobClient
	container string
}

// NewBlobStore wraps an already-constructed *azblob.Client, scoped to a
// single container.
func NewBlobStore(client *azblob.Client, container string) *BlobStore {
	return &BlobStore{client: client, container: container}
}

// Reader downloads key's full content and hands it back as a stream; the
// Azure SDK serves range reads natively but this store always takes the
// whole blob, matching how the signer always hashes a whole init or
// fragment file.
func (s *BlobStore) Reader(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if isBlobNotFound(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return resp.Body, nil
}

// Exists probes for key with a DownloadStream call and reports success
// as existence. The range {Offset: 0, Count: 0} means the whole blob in
// the SDK, not zero bytes; the response body is not read.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.DownloadStream(ctx, s.container, key, &azblob.DownloadStreamOptions{
		Range: blob.HTTPRange{Offset: 0, Count: 0},
	})
	if err == nil {
		return true, nil
	}
	if isBlobNotFound(err) {
		return false, nil
	}
	return false, err
}

// Put uploads data as key's full content, overwriting any existing blob.
func (s *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.UploadBuffer(ctx, s.container, key, data, nil)
	return err
}

// isBlobNotFound mirrors massifs.IsBlobNotFound: the SDK reports a
// missing blob as a *azcore.ResponseError carrying this error code.
func isBlobNotFound(err error) bool {
	var respErr interface{ ErrorCode() string }
	if errors.As(err, &respErr) {
		return respErr.ErrorCode() == "BlobNotFound"
	}
	return false
}
