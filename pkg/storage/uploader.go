package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode"

	"bookbuddy/pkg/domain"
)

var (
	// ErrInvalidFilename is returned when a filename sanitizes to nothing.
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrUnsupportedMediaType is returned when content does not fit its
	// category: covers must be raster images and summaries audio.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
)

const sniffLen = 512

// Upload is the result of a stored media object.
type Upload struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Uploader stores covers and voice summaries under identity-scoped keys and
// hands back durable URLs served from mediaBaseURL.
type Uploader struct {
	objects      ObjectStore
	mediaBaseURL string
}

// NewUploader builds an uploader. mediaBaseURL is the public prefix that maps
// onto object keys, e.g. "https://books.example.com/media".
func NewUploader(objects ObjectStore, mediaBaseURL string) *Uploader {
	return &Uploader{
		objects:      objects,
		mediaBaseURL: strings.TrimRight(strings.TrimSpace(mediaBaseURL), "/"),
	}
}

// Upload writes r to {category}/{identity}/{filename} and returns its URL.
func (u *Uploader) Upload(ctx context.Context, id domain.Identity, category domain.MediaCategory, filename string, r io.Reader, size int64, contentType string) (Upload, error) {
	if !id.Established() {
		return Upload{}, domain.ErrNoIdentity
	}
	key, err := BuildKey(category, id.ID, filename)
	if err != nil {
		return Upload{}, err
	}
	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return Upload{}, fmt.Errorf("read %s upload: %w", category, err)
	}
	contentType, err = mediaType(category, contentType, head)
	if err != nil {
		return Upload{}, err
	}
	if err := u.objects.Put(ctx, key, br, size, contentType); err != nil {
		return Upload{}, fmt.Errorf("upload %s: %w", category, err)
	}
	return Upload{Key: key, URL: u.URLFor(key)}, nil
}

// UploadMedia stores an in-memory blob and returns its durable URL.
func (u *Uploader) UploadMedia(ctx context.Context, id domain.Identity, category domain.MediaCategory, filename string, blob domain.Blob) (string, error) {
	up, err := u.Upload(ctx, id, category, filename, bytes.NewReader(blob.Data), blob.Size(), blob.ContentType)
	if err != nil {
		return "", err
	}
	return up.URL, nil
}

// URLFor returns the durable URL of key.
func (u *Uploader) URLFor(key string) string {
	return u.mediaBaseURL + "/" + key
}

// KeyFromURL maps a durable URL back to its object key. URLs that do not
// point into this media space report false.
func (u *Uploader) KeyFromURL(rawURL string) (string, bool) {
	prefix := u.mediaBaseURL + "/"
	if u.mediaBaseURL == "" || !strings.HasPrefix(rawURL, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(rawURL, prefix)
	if _, _, _, ok := ParseKey(key); !ok {
		return "", false
	}
	return key, true
}

// Open reads a stored object.
func (u *Uploader) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if _, _, _, ok := ParseKey(key); !ok {
		return nil, ObjectInfo{}, ErrObjectNotFound
	}
	return u.objects.Get(ctx, key)
}

// Remove deletes a stored object.
func (u *Uploader) Remove(ctx context.Context, key string) error {
	return u.objects.Delete(ctx, key)
}

// mediaType picks the content type stored for an upload. The declared
// type, or the sniffed one when nothing useful was declared, must fit the
// category, and so must the sniffed head of the content. Covers are stored
// under their sniffed type.
func mediaType(category domain.MediaCategory, declared string, head []byte) (string, error) {
	sniffed := baseType(http.DetectContentType(head))
	declared = baseType(declared)
	if declared == "" || declared == "application/octet-stream" {
		declared = sniffed
	}
	switch category {
	case domain.CategoryCovers:
		if isImage(declared) && isImage(sniffed) {
			return sniffed, nil
		}
	case domain.CategorySummaries:
		// Bare Opus or MP3 frames do not sniff as anything in particular.
		if isAudio(declared) && (isAudio(sniffed) || sniffed == "application/octet-stream") {
			return declared, nil
		}
	}
	return "", fmt.Errorf("%w: %s cannot hold %q content declared as %q", ErrUnsupportedMediaType, category, sniffed, declared)
}

// SVG can carry script, so only raster images count.
func isImage(t string) bool {
	return strings.HasPrefix(t, "image/") && t != "image/svg+xml"
}

func isAudio(t string) bool {
	switch t {
	case "video/webm", "video/mp4", "application/ogg":
		return true
	}
	return strings.HasPrefix(t, "audio/")
}

func baseType(contentType string) string {
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(contentType))
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}

// BuildKey composes the storage key for an upload.
func BuildKey(category domain.MediaCategory, identityID, filename string) (string, error) {
	if _, err := domain.ParseCategory(string(category)); err != nil {
		return "", err
	}
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return "", domain.ErrNoIdentity
	}
	owner := SanitizeFilename(identityID)
	if owner != identityID {
		return "", fmt.Errorf("identity %q is not a valid path segment", identityID)
	}
	name := SanitizeFilename(path.Base(filename))
	if strings.Trim(name, ".") == "" {
		return "", ErrInvalidFilename
	}
	return path.Join(string(category), owner, name), nil
}

// ParseKey splits a key produced by BuildKey.
func ParseKey(key string) (domain.MediaCategory, string, string, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return "", "", "", false
	}
	category, err := domain.ParseCategory(parts[0])
	if err != nil || string(category) != parts[0] {
		return "", "", "", false
	}
	for _, p := range parts[1:] {
		if strings.Trim(p, ".") == "" || SanitizeFilename(p) != p {
			return "", "", "", false
		}
	}
	return category, parts[1], parts[2], true
}

// MediaFilename builds the collision-resistant name used for uploads:
// "{unix millis}_{title with whitespace as _}_{suffix}".
func MediaFilename(now time.Time, title, suffix string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		if unicode.IsSpace(r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	slug := SanitizeFilename(b.String())
	if slug == "" {
		slug = "book"
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "_" + slug + "_" + suffix
}

// SanitizeFilename keeps ASCII letters, digits, '.', '-' and '_' and folds
// every other run of characters into a single '_'.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
