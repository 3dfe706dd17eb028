// Package artifact stores media blobs (reference images, generated audio)
// and turns stored locators into URLs a client can fetch.
package artifact

import (
	"net/url"
	"path"
	"strings"

	"github.com/ekho-app/ekho/errors"
)

// Ref is a stable locator for a stored artifact: gs://bucket/object,
// local://relative/path, or an already public http(s) URL.
type Ref string

// Schemes recognised as stored references
const (
	SchemeGCS   = "gs"
	SchemeLocal = "local"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Scheme returns the lower-cased scheme, or "" if the ref has none
func (r Ref) Scheme() string {
	s := string(r)
	i := strings.Index(s, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(s[:i])
}

// Fetchable reports whether a client can download the ref as-is
func (r Ref) Fetchable() bool {
	switch r.Scheme() {
	case SchemeHTTP, SchemeHTTPS:
		return true
	}
	return false
}

// IsRef reports whether s has the shape of a stored reference
func IsRef(s string) bool {
	switch Ref(s).Scheme() {
	case SchemeGCS, SchemeLocal, SchemeHTTP, SchemeHTTPS:
		return true
	}
	return false
}

// Split returns the bucket (or host) and the object path of a ref.
func (r Ref) Split() (bucket, object string, err error) {
	u, err := url.Parse(string(r))
	if err != nil {
		return "", "", errors.Wrapf(err, "invalid artifact ref %q", string(r))
	}
	object = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || object == "" {
		return "", "", errors.NewInvalidRequestError("artifact ref %q has no bucket or object", string(r))
	}
	return u.Host, object, nil
}

// Extension returns the lower-cased file extension of the ref's path,
// ignoring any query string.
func (r Ref) Extension() string {
	s := string(r)
	if u, err := url.Parse(s); err == nil && u.Path != "" {
		s = u.Path
	}
	return strings.ToLower(path.Ext(s))
}

// ContentTypeForExtension maps common media extensions to MIME types.
func ContentTypeForExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// ExtensionForContentType is the inverse of ContentTypeForExtension.
func ExtensionForContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch ct {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	default:
		return ".bin"
	}
}
