package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/intelhome/envios/pkg/types"
)

// Media kinds accepted by the media send route.
const (
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
	MediaLocation = "location"
	MediaText     = "text"
)

// MediaRequest describes a media send before its payload is built.
type MediaRequest struct {
	Type           string
	Link           string
	Caption        string
	Latitude       *float64
	Longitude      *float64
	DocumentBase64 string
	FileName       string
	MimeType       string
}

// Fetcher downloads attachments referenced by link.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch retrieves link and infers its type and file name.
func (f *Fetcher) Fetch(ctx context.Context, link string) (*types.Attachment, error) {
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: link must be an http(s) URL", ErrInvalidMedia)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrMediaFetch, u.Host, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaFetch, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidMedia, f.maxBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = strings.SplitN(http.DetectContentType(data), ";", 2)[0]
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = "file"
	}
	return &types.Attachment{Data: data, MimeType: mimeType, FileName: name}, nil
}

// AttachmentFromBase64 decodes an inline attachment. A data URL prefix is
// accepted and its type wins over mimeType.
func AttachmentFromBase64(encoded, mimeType, fileName string) (*types.Attachment, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "data:") {
		comma := strings.IndexByte(encoded, ',')
		if comma < 0 {
			return nil, fmt.Errorf("%w: malformed data URL", ErrInvalidMedia)
		}
		header := encoded[len("data:"):comma]
		if mt, _, ok := strings.Cut(header, ";"); ok && mt != "" {
			mimeType = mt
		}
		encoded = encoded[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty attachment", ErrInvalidMedia)
	}
	return &types.Attachment{Data: data, MimeType: mimeType, FileName: fileName}, nil
}

// MediaPayload builds the payload for a media send, fetching linked files.
func (d *Dispatcher) MediaPayload(ctx context.Context, req MediaRequest) (types.Payload, error) {
	switch req.Type {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument:
		var a *types.Attachment
		var err error
		switch {
		case req.Link != "":
			a, err = d.fetcher.Fetch(ctx, req.Link)
		case req.DocumentBase64 != "":
			a, err = AttachmentFromBase64(req.DocumentBase64, defaultString(req.MimeType, "application/pdf"), defaultString(req.FileName, "document.pdf"))
		default:
			return types.Payload{}, fmt.Errorf("%w: %s requires a link", ErrInvalidMedia, req.Type)
		}
		if err != nil {
			return types.Payload{}, err
		}
		if req.FileName != "" {
			a.FileName = req.FileName
		}
		return types.Payload{
			Caption:    req.Caption,
			Attachment: a,
			AsDocument: req.Type == MediaDocument,
			AsVoice:    req.Type == MediaAudio,
		}, nil

	case MediaLocation:
		if req.Latitude == nil || req.Longitude == nil {
			return types.Payload{}, fmt.Errorf("%w: location requires latitude and longitude", ErrInvalidMedia)
		}
		lat, lng := *req.Latitude, *req.Longitude
		if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			return types.Payload{}, fmt.Errorf("%w: coordinates out of range", ErrInvalidMedia)
		}
		return types.Payload{Location: &types.Location{Latitude: lat, Longitude: lng, Description: req.Caption}}, nil

	case MediaText, "":
		if req.DocumentBase64 != "" {
			a, err := AttachmentFromBase64(req.DocumentBase64, defaultString(req.MimeType, "application/pdf"), defaultString(req.FileName, "document.pdf"))
			if err != nil {
				return types.Payload{}, err
			}
			return types.Payload{Caption: req.Caption, Attachment: a, AsDocument: true}, nil
		}
		return types.Payload{Text: req.Caption}, nil
	}
	return types.Payload{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMedia, req.Type)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
