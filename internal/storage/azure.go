package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureStore reads and writes block blobs in an Azure Storage account.
type AzureStore struct {
	client *azblob.Client
}

func NewAzureStoreFromConnectionString(connectionString string) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client from connection string: %w", err)
	}
	return &AzureStore{client: client}, nil
}

func NewAzureStoreWithCredential(serviceURL string, cred azcore.TokenCredential) (*AzureStore, error) {
	if strings.TrimSpace(serviceURL) == "" {
		return nil, errors.New("blob service url is required")
	}
	if cred == nil {
		return nil, errors.New("azure credential is required")
	}

	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client for %s: %w", serviceURL, err)
	}
	return &AzureStore{client: client}, nil
}

func (s *AzureStore) OpenObject(ctx context.Context, container, name string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, container, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, container, name)
		}
		return nil, fmt.Errorf("download blob %s/%s: %w", container, name, err)
	}
	return resp.Body, nil
}

func (s *AzureStore) EnsureContainer(ctx context.Context, container string) error {
	_, err := s.client.CreateContainer(ctx, container, nil)
	if err == nil || bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return fmt.Errorf("create container %s: %w", container, err)
}

func (s *AzureStore) WriteObject(ctx context.Context, container, name string, data []byte, contentType string) error {
	_, err := s.client.UploadBuffer(ctx, container, name, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		return fmt.Errorf("upload blob %s/%s: %w", container, name, err)
	}
	return nil
}
