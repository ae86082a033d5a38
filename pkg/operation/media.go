package operation

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/akiranaka1984/sns-orchestrator/pkg/driver"
	"github.com/akiranaka1984/sns-orchestrator/pkg/errors"
)

// media uploads are bounded so a mislinked asset cannot stall a post run.
const maxMediaBytes = 32 << 20

// MediaFetcher resolves a media URL into an uploadable file.
type MediaFetcher func(ctx context.Context, mediaURL string) (driver.UploadFile, error)

// NewHTTPMediaFetcher fetches media over HTTP, naming the file from the URL
// path and taking the MIME type from the response.
func NewHTTPMediaFetcher(client *http.Client) MediaFetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return func(ctx context.Context, mediaURL string) (driver.UploadFile, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
		if err != nil {
			return driver.UploadFile{}, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid media URL").
				WithContext("url", mediaURL)
		}
		resp, err := client.Do(req)
		if err != nil {
			return driver.UploadFile{}, errors.Wrap(err, errors.ErrCodeDriver, "media fetch failed").
				WithContext("url", mediaURL).
				WithRetryable(true)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return driver.UploadFile{}, errors.New(errors.ErrCodeDriver,
				fmt.Sprintf("media fetch returned status %d", resp.StatusCode)).
				WithContext("url", mediaURL)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
		if err != nil {
			return driver.UploadFile{}, errors.Wrap(err, errors.ErrCodeDriver, "media read failed").
				WithContext("url", mediaURL)
		}
		if len(data) > maxMediaBytes {
			return driver.UploadFile{}, errors.New(errors.ErrCodeInvalidInput, "media file exceeds size limit").
				WithContext("url", mediaURL)
		}

		name := mediaFileName(mediaURL)
		return driver.UploadFile{
			Name:     name,
			MimeType: mediaMimeType(resp.Header.Get("Content-Type"), name),
			Data:     data,
		}, nil
	}
}

func mediaFileName(mediaURL string) string {
	u, err := url.Parse(mediaURL)
	if err != nil || path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
		return "upload"
	}
	return path.Base(u.Path)
}

func mediaMimeType(contentType, name string) string {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	if ext := strings.ToLower(path.Ext(name)); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	return "application/octet-stream"
}
