package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

var ErrObjectNotFound = errors.New("object not found")

// Store is the read and write surface the pipeline needs from a blob backend.
// OpenObject may return a nil reader for an object without a body.
type Store interface {
	OpenObject(ctx context.Context, container, name string) (io.ReadCloser, error)
	EnsureContainer(ctx context.Context, container string) error
	WriteObject(ctx context.Context, container, name string, data []byte, contentType string) error
}

const (
	BackendAzure  = "azure"
	BackendMinio  = "minio"
	BackendMemory = "memory"
	BackendFile   = "file"
)

// Backend reports which store a credential selects, or "" when none does.
func Backend(credential string) string {
	credential = strings.TrimSpace(credential)
	lower := strings.ToLower(credential)

	switch {
	case credential == "":
		return ""
	case strings.HasPrefix(lower, "memory://"):
		return BackendMemory
	case strings.HasPrefix(lower, "file://"):
		return BackendFile
	case strings.HasPrefix(lower, "minio://"), strings.HasPrefix(lower, "s3://"):
		return BackendMinio
	case strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "http://"):
		return BackendAzure
	case strings.Contains(lower, "usedevelopmentstorage=true"),
		strings.Contains(lower, "accountname="),
		strings.Contains(lower, "blobendpoint="):
		return BackendAzure
	default:
		return ""
	}
}

// Open builds a Store from a storage credential:
//
//	DefaultEndpointsProtocol=https;AccountName=...;AccountKey=...  Azure connection string
//	https://<account>.blob.core.windows.net                         Azure with DefaultAzureCredential
//	minio://<access>:<secret>@host:9000?secure=false                MinIO or any S3 endpoint
//	memory://                                                       process-local store
//	file:///var/lib/greyflow                                        one directory per container
func Open(credential string) (Store, error) {
	credential = strings.TrimSpace(credential)

	switch Backend(credential) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		u, err := url.Parse(credential)
		if err != nil {
			return nil, fmt.Errorf("parse file credential: %w", err)
		}
		return NewFileStore(u.Path)
	case BackendMinio:
		cfg, err := parseMinioCredential(credential)
		if err != nil {
			return nil, err
		}
		return NewMinioStore(cfg)
	case BackendAzure:
		if strings.Contains(credential, "://") && !strings.Contains(credential, ";") {
			cred, err := azidentity.NewDefaultAzureCredential(nil)
			if err != nil {
				return nil, fmt.Errorf("create azure credential: %w", err)
			}
			return NewAzureStoreWithCredential(credential, cred)
		}
		return NewAzureStoreFromConnectionString(credential)
	default:
		if credential == "" {
			return nil, errors.New("storage credential is required")
		}
		return nil, errors.New("unrecognized storage credential")
	}
}

func parseMinioCredential(credential string) (MinioConfig, error) {
	u, err := url.Parse(credential)
	if err != nil {
		return MinioConfig{}, fmt.Errorf("parse minio credential: %w", err)
	}
	if u.Host == "" {
		return MinioConfig{}, errors.New("minio credential requires a host")
	}

	cfg := MinioConfig{
		Endpoint: u.Host,
		UseSSL:   strings.EqualFold(u.Query().Get("secure"), "true"),
		Region:   u.Query().Get("region"),
	}
	if u.User != nil {
		cfg.Access = u.User.Username()
		cfg.Secret, _ = u.User.Password()
	}
	return cfg, nil
}
