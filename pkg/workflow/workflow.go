// Package workflow drives adding a book: lookup into a draft, manual edits,
// then upload of staged media followed by a single record write.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/library"
	"bookbuddy/pkg/storage"
)

// ErrTitleRequired blocks a submit without a title.
var ErrTitleRequired = errors.New("book title required")

const (
	msgTitleRequired = "Please enter a book title."
	msgNotFound      = "Book not found! Please enter details manually."
	msgSaveFailed    = "Failed to save the book. Please try again."
)

// Searcher is Metadata Lookup.
type Searcher interface {
	Search(ctx context.Context, query string) (domain.BookSummary, bool)
}

// MediaUploader stores one blob and returns its durable URL.
type MediaUploader interface {
	UploadMedia(ctx context.Context, id domain.Identity, category domain.MediaCategory, filename string, blob domain.Blob) (string, error)
}

// BookCreator persists a finalized record.
type BookCreator interface {
	CreateBook(ctx context.Context, id domain.Identity, rec domain.BookRecord) (domain.BookRecord, error)
}

// Ports bundles the workflow's collaborators.
type Ports struct {
	Lookup   Searcher
	Uploader MediaUploader
	Library  BookCreator
	// Identity and Profile are read once at the start of each submit.
	Identity func() domain.Identity
	Profile  func() domain.Profile
}

// Option customizes a Workflow.
type Option func(*Workflow)

// WithNotifier surfaces results as user notifications.
func WithNotifier(n *library.Notifier) Option {
	return func(w *Workflow) { w.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock overrides the time source used for media filenames.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// Workflow owns one draft and its staged audio clip.
type Workflow struct {
	ports    Ports
	notifier *library.Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	draft   domain.Draft
	audio   *domain.Blob
	onAdded []func(domain.BookRecord)
}

// New builds a workflow with a default draft.
func New(ports Ports, opts ...Option) *Workflow {
	w := &Workflow{
		ports:  ports,
		logger: slog.Default(),
		now:    time.Now,
		draft:  domain.NewDraft(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnAdded registers fn to run after each successful submit.
func (w *Workflow) OnAdded(fn func(domain.BookRecord)) {
	w.mu.Lock()
	w.onAdded = append(w.onAdded, fn)
	w.mu.Unlock()
}

// Draft returns a copy of the current draft.
func (w *Workflow) Draft() domain.Draft {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyDraft(w.draft)
}

// Audio returns the staged clip, if any.
func (w *Workflow) Audio() *domain.Blob {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.audio == nil {
		return nil
	}
	clip := *w.audio
	return &clip
}

// Lookup fills the draft from Metadata Lookup. A miss seeds the title with
// the query and clears the looked-up fields so manual entry can proceed.
// The summary and rating already on the draft are kept either way.
func (w *Workflow) Lookup(ctx context.Context, query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return false
	}
	var (
		summary domain.BookSummary
		found   bool
	)
	if w.ports.Lookup != nil {
		summary, found = w.ports.Lookup.Search(ctx, query)
	}

	w.mu.Lock()
	if found {
		w.draft.Title = summary.Title
		w.draft.Author = summary.Author
		w.draft.CoverURL = orDefault(summary.CoverURL, domain.DefaultCoverURL)
		w.draft.Description = summary.Description
		w.draft.ISBN = summary.ISBN
	} else {
		w.draft.Title = query
		w.draft.Author = ""
		w.draft.CoverURL = domain.DefaultCoverURL
		w.draft.Description = ""
		w.draft.ISBN = ""
	}
	w.draft.CoverFile = nil
	w.mu.Unlock()

	if !found {
		w.notify(library.KindInfo, msgNotFound)
	}
	return found
}

// Edit applies fn to the draft under the workflow's lock.
func (w *Workflow) Edit(fn func(*domain.Draft)) {
	w.mu.Lock()
	fn(&w.draft)
	w.mu.Unlock()
}

// StageCover holds a local cover file until submit. The draft's cover URL
// becomes a local preview reference.
func (w *Workflow) StageCover(file domain.Blob) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f := file
	w.draft.CoverFile = &f
	w.draft.CoverURL = previewURL(file.Name)
}

// SetAudio stages a finished recording, replacing any previous one.
func (w *Workflow) SetAudio(clip domain.Blob) {
	w.mu.Lock()
	c := clip
	w.audio = &c
	w.mu.Unlock()
}

// ClearAudio drops the staged recording.
func (w *Workflow) ClearAudio() {
	w.mu.Lock()
	w.audio = nil
	w.mu.Unlock()
}

// Submit validates the draft, uploads the staged cover and then the staged
// audio, and writes the record. Nothing is written when any step fails, and
// the draft is left as it was. The identity and profile are captured when
// submit starts.
func (w *Workflow) Submit(ctx context.Context) (domain.BookRecord, error) {
	var (
		id      domain.Identity
		profile domain.Profile
	)
	if w.ports.Identity != nil {
		id = w.ports.Identity()
	}
	if w.ports.Profile != nil {
		profile = w.ports.Profile()
	}
	w.mu.Lock()
	draft := copyDraft(w.draft)
	audio := w.audio
	w.mu.Unlock()

	title := strings.TrimSpace(draft.Title)
	if title == "" {
		w.notify(library.KindError, msgTitleRequired)
		return domain.BookRecord{}, ErrTitleRequired
	}

	rec, err := w.finalize(ctx, id, profile, title, draft, audio)
	if err != nil {
		w.logger.Error("add book failed", "title", title, "profile", string(profile), "error", err)
		w.notify(library.KindError, msgSaveFailed)
		return domain.BookRecord{}, err
	}

	w.mu.Lock()
	w.draft = domain.NewDraft()
	w.audio = nil
	listeners := append([]func(domain.BookRecord){}, w.onAdded...)
	w.mu.Unlock()

	w.logger.Info("book added", "book_id", rec.ID, "profile", string(rec.ProfileID))
	w.notify(library.KindSuccess, fmt.Sprintf("%q added to your library!", rec.Title))
	if w.notifier != nil {
		w.notifier.Celebrate()
	}
	for _, fn := range listeners {
		fn(rec)
	}
	return rec, nil
}

func (w *Workflow) finalize(
	ctx context.Context,
	id domain.Identity,
	profile domain.Profile,
	title string,
	draft domain.Draft,
	audio *domain.Blob,
) (domain.BookRecord, error) {
	coverURL := orDefault(draft.CoverURL, domain.DefaultCoverURL)
	if !draft.CoverFile.Empty() {
		name := storage.MediaFilename(w.now(), title, "cover")
		url, err := w.ports.Uploader.UploadMedia(ctx, id, domain.CategoryCovers, name, *draft.CoverFile)
		if err != nil {
			return domain.BookRecord{}, fmt.Errorf("upload cover: %w", err)
		}
		coverURL = url
	} else if isPreviewURL(coverURL) {
		coverURL = domain.DefaultCoverURL
	}

	audioURL := ""
	if !audio.Empty() {
		name := storage.MediaFilename(w.now(), title, "summary.webm")
		url, err := w.ports.Uploader.UploadMedia(ctx, id, domain.CategorySummaries, name, *audio)
		if err != nil {
			return domain.BookRecord{}, fmt.Errorf("upload audio summary: %w", err)
		}
		audioURL = url
	}

	rating := draft.Rating
	if rating == "" {
		rating = domain.DefaultRating()
	}
	rec := domain.BookRecord{
		Title:       title,
		Author:      strings.TrimSpace(draft.Author),
		CoverURL:    coverURL,
		Description: draft.Description,
		ISBN:        draft.ISBN,
		SummaryText: draft.SummaryText,
		AudioURL:    audioURL,
		Rating:      rating,
		UserID:      id.ID,
		ProfileID:   profile,
	}
	created, err := w.ports.Library.CreateBook(ctx, id, rec)
	if err != nil {
		return domain.BookRecord{}, fmt.Errorf("save book: %w", err)
	}
	return created, nil
}

func (w *Workflow) notify(kind library.Kind, msg string) {
	if w.notifier != nil {
		w.notifier.Notify(kind, msg)
	}
}

const previewScheme = "preview:"

func previewURL(name string) string {
	if name == "" {
		name = "cover"
	}
	return previewScheme + name
}

func isPreviewURL(u string) bool {
	return strings.HasPrefix(u, previewScheme)
}

func copyDraft(d domain.Draft) domain.Draft {
	if d.CoverFile != nil {
		f := *d.CoverFile
		d.CoverFile = &f
	}
	return d
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
