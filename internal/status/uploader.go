package status

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
)

const (
	// FileName is the name of the file OSRootUploader keeps up to date.
	FileName    = "status.json"
	contentType = "application/json"
)

type Uploader interface {
	Upload(ctx context.Context, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}

type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, raw []byte) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := u.w.Write(raw)
	return err
}

// OSRootUploader replaces status.json inside a directory. Readers never
// see a partially written file.
type OSRootUploader struct {
	root *os.Root
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, b []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	tmp := FileName + ".tmp"
	f, err := u.root.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating status: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving status: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing status: %w", err)
	}
	if err := u.root.Rename(tmp, FileName); err != nil {
		return fmt.Errorf("replacing status: %w", err)
	}
	slog.DebugContext(ctx, "status saved", "path", FileName)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}

// HTTPUploader posts the status to a dashboard endpoint.
type HTTPUploader struct {
	requestURL *url.URL
	client     *http.Client
}

func NewHTTPUploader(serverURL string) (*HTTPUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the status url with a scheme and a host, e.g. `http://localhost:8501/status`")
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	return &HTTPUploader{
		requestURL: parsedURL,
		client:     &http.Client{},
	}, nil
}

func (c *HTTPUploader) Upload(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting status: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("posting status: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// Uploaders builds the uploaders a status configuration asks for. Without
// a directory or an url the status goes to w.
func Uploaders(w io.Writer, dir, statusURL string) ([]Uploader, error) {
	if dir == "" && statusURL == "" {
		return []Uploader{NewWriteUploader(w)}, nil
	}
	var uploaders []Uploader
	if dir != "" {
		u, err := NewOSRootUploader(dir)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	if statusURL != "" {
		u, err := NewHTTPUploader(statusURL)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	return uploaders, nil
}
