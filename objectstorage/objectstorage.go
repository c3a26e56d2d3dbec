// Package objectstorage stores exported ban lists either on local disk or in an s3-like bucket
package objectstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/anti-raid/defender/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrDisabled = errors.New("objectstorage: object storage is disabled")

// A simple abstraction for object storage
type ObjectStorage struct {
	c *config.ObjectStorageConfig

	// If s3-like
	minio *minio.Client
}

func New(c *config.ObjectStorageConfig) (o *ObjectStorage, err error) {
	o = &ObjectStorage{
		c: c,
	}

	switch c.Type {
	case "s3-like":
		o.minio, err = minio.New(c.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
			Secure: c.Secure,
		})

		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
	case "local":
		err = os.MkdirAll(c.Path, 0755)

		if err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "disabled":
	default:
		return nil, fmt.Errorf("invalid object storage type %q", c.Type)
	}

	return o, nil
}

// Enabled returns false when exports are not persisted anywhere
func (o *ObjectStorage) Enabled() bool {
	return o != nil && o.c.Type != "disabled"
}

// Saves a file to the object storage
//
// Note that 'expiry' is not supported for local storage
func (o *ObjectStorage) Save(ctx context.Context, dir, filename string, data []byte, expiry time.Duration) error {
	switch o.c.Type {
	case "local":
		err := os.MkdirAll(filepath.Join(o.c.Path, dir), 0755)

		if err != nil {
			return err
		}

		return os.WriteFile(filepath.Join(o.c.Path, dir, filename), data, 0644)
	case "s3-like":
		p := minio.PutObjectOptions{ContentType: "text/plain"}

		if expiry != 0 {
			p.Expires = time.Now().Add(expiry)
		}

		_, err := o.minio.PutObject(ctx, o.c.Path, dir+"/"+filename, bytes.NewReader(data), int64(len(data)), p)

		return err
	case "disabled":
		return ErrDisabled
	default:
		return fmt.Errorf("operation not supported for object storage type %s", o.c.Type)
	}
}

// Returns the url to the file
func (o *ObjectStorage) GetUrl(ctx context.Context, dir, filename string, urlExpiry time.Duration) (*url.URL, error) {
	switch o.c.Type {
	case "local":
		return &url.URL{
			Scheme: "file",
			Path:   filepath.Join(o.c.Path, dir, filename),
		}, nil
	case "s3-like":
		return o.minio.PresignedGetObject(ctx, o.c.Path, dir+"/"+filename, urlExpiry, nil)
	case "disabled":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("operation not supported for object storage type %s", o.c.Type)
	}
}

// Deletes a file
func (o *ObjectStorage) Delete(ctx context.Context, dir, filename string) error {
	switch o.c.Type {
	case "local":
		return os.Remove(filepath.Join(o.c.Path, dir, filename))
	case "s3-like":
		return o.minio.RemoveObject(ctx, o.c.Path, dir+"/"+filename, minio.RemoveObjectOptions{})
	case "disabled":
		return ErrDisabled
	default:
		return fmt.Errorf("operation not supported for object storage type %s", o.c.Type)
	}
}
