package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/storage"
	"bookbuddy/pkg/store"
	"bookbuddy/pkg/workflow"
)

// Search resolves a title or ISBN through Metadata Lookup.
func (a *App) Search(ctx context.Context, query string) (domain.BookSummary, bool) {
	return a.lookup.Search(ctx, query)
}

// Upload stores a media object under the identity's namespace.
func (a *App) Upload(ctx context.Context, id domain.Identity, category domain.MediaCategory, filename string, r io.Reader, size int64, contentType string) (storage.Upload, error) {
	return a.uploader.Upload(ctx, id, category, filename, r, size, contentType)
}

// UploadMedia stores an in-memory blob and returns its durable URL.
func (a *App) UploadMedia(ctx context.Context, id domain.Identity, category domain.MediaCategory, filename string, blob domain.Blob) (string, error) {
	return a.uploader.UploadMedia(ctx, id, category, filename, blob)
}

// OpenMedia streams a stored object by key.
func (a *App) OpenMedia(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	if _, _, _, ok := storage.ParseKey(key); !ok {
		return nil, storage.ObjectInfo{}, ErrMediaNotFound
	}
	rc, info, err := a.uploader.Open(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, storage.ObjectInfo{}, ErrMediaNotFound
	}
	return rc, info, err
}

// CreateBook validates and persists a record owned by id. Media URLs that
// point into the service's own bucket must live under the caller's
// namespace; their keys are kept so the objects go away with the record.
func (a *App) CreateBook(ctx context.Context, id domain.Identity, rec domain.BookRecord) (domain.BookRecord, error) {
	if !id.Established() {
		return domain.BookRecord{}, domain.ErrNoIdentity
	}
	rec.Title = strings.TrimSpace(rec.Title)
	if rec.Title == "" {
		return domain.BookRecord{}, ErrTitleRequired
	}
	profile, err := profileOrDefault(rec.ProfileID)
	if err != nil {
		return domain.BookRecord{}, err
	}
	rating, err := domain.ParseRating(string(rec.Rating))
	if err != nil {
		return domain.BookRecord{}, err
	}
	rec.ProfileID = profile
	rec.Rating = rating
	rec.UserID = id.ID
	rec.Author = strings.TrimSpace(rec.Author)
	if strings.TrimSpace(rec.CoverURL) == "" {
		rec.CoverURL = domain.DefaultCoverURL
	}

	var media store.MediaKeys
	if media.CoverKey, err = a.ownedKey(id, rec.CoverURL, domain.CategoryCovers); err != nil {
		return domain.BookRecord{}, err
	}
	if media.AudioKey, err = a.ownedKey(id, rec.AudioURL, domain.CategorySummaries); err != nil {
		return domain.BookRecord{}, err
	}

	created, err := a.store.CreateBook(ctx, rec, media)
	if err != nil {
		return domain.BookRecord{}, fmt.Errorf("create book: %w", err)
	}
	return created, nil
}

func profileOrDefault(p domain.Profile) (domain.Profile, error) {
	if strings.TrimSpace(string(p)) == "" {
		return domain.DefaultProfile(), nil
	}
	return domain.ParseProfile(string(p))
}

// ownedKey maps a durable media URL back to its key. URLs outside the media
// base (default cover, Open Library covers) carry no key.
func (a *App) ownedKey(id domain.Identity, rawURL string, category domain.MediaCategory) (string, error) {
	key, ok := a.uploader.KeyFromURL(rawURL)
	if !ok {
		return "", nil
	}
	cat, owner, _, _ := storage.ParseKey(key)
	if owner != id.ID || cat != category {
		return "", ErrForeignMedia
	}
	return key, nil
}

// ListBooks returns one profile's books of id, or all of id's books when
// profile is empty.
func (a *App) ListBooks(ctx context.Context, id domain.Identity, profile domain.Profile) ([]domain.BookRecord, error) {
	if !id.Established() {
		a.logger.Warn("library list without identity", "profile", string(profile))
		return []domain.BookRecord{}, nil
	}
	if profile == "" {
		return a.store.ListBooksByUser(ctx, id.ID)
	}
	p, err := domain.ParseProfile(string(profile))
	if err != nil {
		return nil, err
	}
	return a.store.ListBooksByProfile(ctx, id.ID, p)
}

// GetBook returns a book owned by id.
func (a *App) GetBook(ctx context.Context, id domain.Identity, bookID string) (domain.BookRecord, error) {
	stored, found, err := a.store.GetBook(ctx, bookID)
	if err != nil {
		return domain.BookRecord{}, err
	}
	if !found {
		return domain.BookRecord{}, ErrBookNotFound
	}
	if stored.Record.UserID != id.ID {
		return domain.BookRecord{}, ErrForbidden
	}
	return stored.Record, nil
}

// DeleteBook removes a book owned by id together with its media objects.
// Media cleanup is best-effort: the record is already gone when it runs, and
// it is queued when a cleanup queue is configured.
func (a *App) DeleteBook(ctx context.Context, id domain.Identity, bookID string) (domain.DeleteResult, error) {
	res := domain.DeleteResult{ID: bookID}
	if !id.Established() {
		return res, domain.ErrNoIdentity
	}
	stored, found, err := a.store.GetBook(ctx, bookID)
	if err != nil {
		return res, fmt.Errorf("fetch book: %w", err)
	}
	if !found {
		res.Status = domain.DeleteNotFound
		return res, nil
	}
	if stored.Record.UserID != id.ID {
		res.Status = domain.DeleteForbidden
		return res, nil
	}
	deleted, err := a.store.DeleteBook(ctx, bookID)
	if err != nil {
		return res, fmt.Errorf("delete book: %w", err)
	}
	if !deleted {
		res.Status = domain.DeleteNotFound
		return res, nil
	}
	res.Status = domain.DeleteDeleted
	keys := stored.Media.Keys()
	if len(keys) == 0 {
		return res, nil
	}
	if a.cleanup != nil {
		job, err := a.cleanup.Enqueue(ctx, bookID, keys)
		if err == nil {
			a.logger.Debug("media cleanup queued", "book_id", bookID, "job_id", job.ID)
			return res, nil
		}
		a.logger.Warn("media cleanup not queued, removing inline", "book_id", bookID, "error", err)
	}
	if err := a.removeMedia(ctx, bookID, keys); err != nil {
		a.logger.Warn("media cleanup failed", "book_id", bookID, "error", err)
	}
	return res, nil
}

// removeMedia deletes every key; objects already gone count as removed.
func (a *App) removeMedia(ctx context.Context, bookID string, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := a.uploader.Remove(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	if len(errs) == 0 {
		a.logger.Debug("media removed", "book_id", bookID, "keys", len(keys))
	}
	return errors.Join(errs...)
}

// Submission is one add-book request: the draft fields plus the media
// staged on the client.
type Submission struct {
	Title       string
	Author      string
	Description string
	ISBN        string
	SummaryText string
	Rating      domain.Rating
	CoverURL    string
	Profile     domain.Profile
	Cover       *domain.Blob
	Audio       *domain.Blob
}

// SubmitBook runs the add-book workflow on the service side: cover upload,
// then audio upload, then the record write.
func (a *App) SubmitBook(ctx context.Context, id domain.Identity, sub Submission) (domain.BookRecord, error) {
	if !id.Established() {
		return domain.BookRecord{}, domain.ErrNoIdentity
	}
	profile, err := profileOrDefault(sub.Profile)
	if err != nil {
		return domain.BookRecord{}, err
	}
	rating, err := domain.ParseRating(string(sub.Rating))
	if err != nil {
		return domain.BookRecord{}, err
	}
	flow := workflow.New(workflow.Ports{
		Lookup:   a,
		Uploader: a,
		Library:  a,
		Identity: func() domain.Identity { return id },
		Profile:  func() domain.Profile { return profile },
	}, workflow.WithLogger(a.logger), workflow.WithClock(a.now))

	flow.Edit(func(d *domain.Draft) {
		d.Title = sub.Title
		d.Author = sub.Author
		d.Description = sub.Description
		d.ISBN = sub.ISBN
		d.SummaryText = sub.SummaryText
		d.Rating = rating
		if strings.TrimSpace(sub.CoverURL) != "" {
			d.CoverURL = sub.CoverURL
		}
	})
	if !sub.Cover.Empty() {
		flow.StageCover(*sub.Cover)
	}
	if !sub.Audio.Empty() {
		flow.SetAudio(*sub.Audio)
	}
	return flow.Submit(ctx)
}
