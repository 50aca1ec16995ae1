package gdrive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"videoflow/internal/pkg/errors"
	"videoflow/internal/ports"
)

// Client implements ports.StorageProvider backed by Google Drive. An object
// key is the Drive file name inside the configured folder, so references
// look the same as on local storage. Keys that name no file are tried as
// Drive file ids, which covers files uploaded outside videoflow.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, errors.ValidationField("object_key", "object_key is required")
	}

	id, exists, err := c.lookup(ctx, in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}

	var media []googleapi.MediaOption
	if in.ContentType != "" {
		media = append(media, googleapi.ContentType(in.ContentType))
	}

	if exists {
		// Same key, same file: a retried activity overwrites its output.
		_, err = c.srv.Files.Update(id, &drive.File{}).
			Media(in.Reader, media...).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	} else {
		file := &drive.File{Name: in.ObjectKey}
		if c.folderID != "" {
			file.Parents = []string{c.folderID}
		}
		_, err = c.srv.Files.Create(file).
			Media(in.Reader, media...).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	}
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("gdrive upload failed: %w", err)
	}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: in.Size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	id, err := c.resolve(ctx, objectKey)
	if err != nil {
		return nil, "", 0, err
	}
	resp, err := c.srv.Files.Get(id).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, "", 0, notFound(err, objectKey)
	}

	contentType = resp.Header.Get("Content-Type")
	size = resp.ContentLength
	return resp.Body, contentType, size, nil
}

func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	id, err := c.resolve(ctx, objectKey)
	if err != nil {
		return err
	}
	err = c.srv.Files.Delete(id).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	return notFound(err, objectKey)
}

func (c *Client) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	id, err := c.resolve(ctx, objectKey)
	if err != nil {
		return ports.SignedURLOutput{}, err
	}
	f, err := c.srv.Files.Get(id).
		SupportsAllDrives(true).
		Fields("webContentLink").
		Context(ctx).
		Do()
	if err != nil {
		return ports.SignedURLOutput{}, notFound(err, objectKey)
	}
	return ports.SignedURLOutput{URL: f.WebContentLink, ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}

// resolve maps a key to a Drive file id, falling back to the key itself.
func (c *Client) resolve(ctx context.Context, key string) (string, error) {
	id, ok, err := c.lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return key, nil
	}
	return id, nil
}

// lookup finds the file named key in the folder.
func (c *Client) lookup(ctx context.Context, key string) (string, bool, error) {
	q := fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(key))
	if c.folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(c.folderID))
	}
	list, err := c.srv.Files.List().
		Q(q).
		Fields("files(id)").
		PageSize(1).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", false, errors.WrapWithCode(err, errors.CodeUnavailable, "gdrive.lookup", "search "+key)
	}
	if len(list.Files) == 0 {
		return "", false, nil
	}
	return list.Files[0].Id, true, nil
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// Check verifies the credentials by reading the Drive account.
func (c *Client) Check(ctx context.Context) error {
	if _, err := c.srv.About.Get().Fields("user").Context(ctx).Do(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "gdrive.Check", "drive unreachable")
	}
	return nil
}

// notFound maps a Drive 404 to ports.ErrObjectNotFound.
func notFound(err error, key string) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return ports.ObjectNotFound(key)
	}
	return err
}
