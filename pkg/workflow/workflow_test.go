package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/library"
)

type uploadCall struct {
	category domain.MediaCategory
	filename string
	blob     domain.Blob
}

type fakeUploader struct {
	mu      sync.Mutex
	calls   []uploadCall
	failOn  domain.MediaCategory
	during  func()
	noIdent bool
}

func (f *fakeUploader) UploadMedia(_ context.Context, id domain.Identity, category domain.MediaCategory, filename string, blob domain.Blob) (string, error) {
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !id.Established() {
		return "", domain.ErrNoIdentity
	}
	f.calls = append(f.calls, uploadCall{category: category, filename: filename, blob: blob})
	if category == f.failOn {
		return "", errors.New("storage unavailable")
	}
	return "https://media.test/" + string(category) + "/" + id.ID + "/" + filename, nil
}

type fakeLibrary struct {
	mu      sync.Mutex
	created []domain.BookRecord
	err     error
}

func (f *fakeLibrary) CreateBook(_ context.Context, id domain.Identity, rec domain.BookRecord) (domain.BookRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !id.Established() {
		return domain.BookRecord{}, domain.ErrNoIdentity
	}
	if f.err != nil {
		return domain.BookRecord{}, f.err
	}
	rec.ID = "book-1"
	rec.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.created = append(f.created, rec)
	return rec, nil
}

type fakeLookup struct {
	summary domain.BookSummary
	found   bool
	queries []string
}

func (f *fakeLookup) Search(_ context.Context, q string) (domain.BookSummary, bool) {
	f.queries = append(f.queries, q)
	return f.summary, f.found
}

type harness struct {
	wf       *Workflow
	uploader *fakeUploader
	library  *fakeLibrary
	lookup   *fakeLookup
	notifier *library.Notifier
	profile  domain.Profile
	identity domain.Identity
}

func newHarness() *harness {
	h := &harness{
		uploader: &fakeUploader{},
		library:  &fakeLibrary{},
		lookup:   &fakeLookup{},
		notifier: library.NewNotifier(time.Hour),
		profile:  domain.ProfileHermione,
		identity: domain.Identity{ID: "ident-1", Anonymous: true},
	}
	h.wf = New(Ports{
		Lookup:   h.lookup,
		Uploader: h.uploader,
		Library:  h.library,
		Identity: func() domain.Identity { return h.identity },
		Profile:  func() domain.Profile { return h.profile },
	},
		WithNotifier(h.notifier),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return time.UnixMilli(1700000000000) }),
	)
	return h
}

func TestSubmitRejectsEmptyTitleBeforeAnyCall(t *testing.T) {
	h := newHarness()
	h.wf.Edit(func(d *domain.Draft) {
		d.Title = "   "
		d.SummaryText = "keep me"
	})
	h.wf.StageCover(domain.Blob{Data: []byte("png"), ContentType: "image/png", Name: "c.png"})
	h.wf.SetAudio(domain.Blob{Data: []byte("opus"), ContentType: "audio/webm"})

	if _, err := h.wf.Submit(context.Background()); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}
	if len(h.uploader.calls) != 0 || len(h.library.created) != 0 {
		t.Fatalf("expected no upload or store call")
	}
	if h.wf.Draft().SummaryText != "keep me" || h.wf.Audio() == nil {
		t.Fatalf("expected draft untouched")
	}
	if note, _ := h.notifier.Current(); note.Message != msgTitleRequired {
		t.Fatalf("unexpected notification %+v", note)
	}
}

func TestSubmitAudioOnlyUploadsOnce(t *testing.T) {
	h := newHarness()
	h.wf.Edit(func(d *domain.Draft) {
		d.Title = "Hobbit"
		d.CoverURL = "https://covers.openlibrary.org/b/id/1-L.jpg"
	})
	h.wf.SetAudio(domain.Blob{Data: []byte("opus"), ContentType: "audio/webm"})

	rec, err := h.wf.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(h.uploader.calls) != 1 || h.uploader.calls[0].category != domain.CategorySummaries {
		t.Fatalf("expected exactly one audio upload, got %+v", h.uploader.calls)
	}
	if h.uploader.calls[0].filename != "1700000000000_Hobbit_summary.webm" {
		t.Fatalf("unexpected audio filename %q", h.uploader.calls[0].filename)
	}
	if len(h.library.created) != 1 {
		t.Fatalf("expected one create call")
	}
	saved := h.library.created[0]
	if saved.CoverURL != "https://covers.openlibrary.org/b/id/1-L.jpg" {
		t.Fatalf("cover url changed: %q", saved.CoverURL)
	}
	if saved.AudioURL != "https://media.test/summaries/ident-1/1700000000000_Hobbit_summary.webm" {
		t.Fatalf("unexpected audio url %q", saved.AudioURL)
	}
	if saved.UserID != "ident-1" || saved.ProfileID != domain.ProfileHermione || saved.Rating != domain.RatingAmazing {
		t.Fatalf("unexpected record %+v", saved)
	}
	if rec.ID != "book-1" {
		t.Fatalf("expected created record returned, got %+v", rec)
	}
}

func TestSubmitUploadsCoverBeforeAudioAndResets(t *testing.T) {
	h := newHarness()
	var added []domain.BookRecord
	h.wf.OnAdded(func(r domain.BookRecord) { added = append(added, r) })
	h.wf.Edit(func(d *domain.Draft) {
		d.Title = "The Hobbit"
		d.Rating = domain.RatingGreat
		d.SummaryText = "A hobbit goes on an adventure."
	})
	h.wf.StageCover(domain.Blob{Data: []byte("png"), ContentType: "image/png", Name: "cover.png"})
	if !strings.HasPrefix(h.wf.Draft().CoverURL, previewScheme) {
		t.Fatalf("expected preview cover url, got %q", h.wf.Draft().CoverURL)
	}
	h.wf.SetAudio(domain.Blob{Data: []byte("opus"), ContentType: "audio/webm"})

	if _, err := h.wf.Submit(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	calls := h.uploader.calls
	if len(calls) != 2 || calls[0].category != domain.CategoryCovers || calls[1].category != domain.CategorySummaries {
		t.Fatalf("expected cover then audio upload, got %+v", calls)
	}
	if calls[0].filename != "1700000000000_The_Hobbit_cover" {
		t.Fatalf("unexpected cover filename %q", calls[0].filename)
	}
	saved := h.library.created[0]
	if saved.CoverURL != "https://media.test/covers/ident-1/1700000000000_The_Hobbit_cover" {
		t.Fatalf("cover url not replaced: %q", saved.CoverURL)
	}
	if saved.Rating != domain.RatingGreat || saved.SummaryText != "A hobbit goes on an adventure." {
		t.Fatalf("unexpected record %+v", saved)
	}

	draft := h.wf.Draft()
	if draft.Title != "" || draft.CoverURL != domain.DefaultCoverURL || draft.CoverFile != nil || draft.Rating != domain.DefaultRating() {
		t.Fatalf("draft not reset: %+v", draft)
	}
	if h.wf.Audio() != nil {
		t.Fatalf("audio not cleared")
	}
	if len(added) != 1 || added[0].ID != "book-1" {
		t.Fatalf("expected OnAdded once, got %+v", added)
	}
	if !h.notifier.Celebrating() {
		t.Fatalf("expected celebration cue")
	}
	if note, _ := h.notifier.Current(); note.Message != `"The Hobbit" added to your library!` {
		t.Fatalf("unexpected notification %q", note.Message)
	}
}

func TestSubmitUploadFailureWritesNothing(t *testing.T) {
	h := newHarness()
	h.uploader.failOn = domain.CategorySummaries
	h.wf.Edit(func(d *domain.Draft) { d.Title = "Dune" })
	h.wf.StageCover(domain.Blob{Data: []byte("png"), Name: "c.png"})
	h.wf.SetAudio(domain.Blob{Data: []byte("opus")})

	if _, err := h.wf.Submit(context.Background()); err == nil {
		t.Fatalf("expected failure")
	}
	if len(h.library.created) != 0 {
		t.Fatalf("expected no record written")
	}
	if d := h.wf.Draft(); d.Title != "Dune" || d.CoverFile == nil {
		t.Fatalf("draft should be intact: %+v", d)
	}
	if h.wf.Audio() == nil {
		t.Fatalf("audio should be kept for retry")
	}
	if note, _ := h.notifier.Current(); note.Kind != library.KindError {
		t.Fatalf("expected error notification, got %+v", note)
	}
}

func TestSubmitWithoutIdentityFails(t *testing.T) {
	h := newHarness()
	h.identity = domain.Identity{}
	h.wf.Edit(func(d *domain.Draft) { d.Title = "Dune" })
	if _, err := h.wf.Submit(context.Background()); !errors.Is(err, domain.ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestSubmitSnapshotsProfileAtStart(t *testing.T) {
	h := newHarness()
	h.uploader.during = func() { h.profile = domain.ProfileRon }
	h.wf.Edit(func(d *domain.Draft) { d.Title = "Matilda" })
	h.wf.SetAudio(domain.Blob{Data: []byte("opus")})

	if _, err := h.wf.Submit(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := h.library.created[0].ProfileID; got != domain.ProfileHermione {
		t.Fatalf("expected profile captured at submit start, got %q", got)
	}
}

func TestSubmitDropsPreviewWithoutFile(t *testing.T) {
	h := newHarness()
	h.wf.Edit(func(d *domain.Draft) {
		d.Title = "Dune"
		d.CoverURL = previewURL("gone.png")
	})
	if _, err := h.wf.Submit(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := h.library.created[0].CoverURL; got != domain.DefaultCoverURL {
		t.Fatalf("expected default cover, got %q", got)
	}
	if len(h.uploader.calls) != 0 {
		t.Fatalf("expected no uploads")
	}
}

func TestLookupFoundFillsDraft(t *testing.T) {
	h := newHarness()
	h.lookup.found = true
	h.lookup.summary = domain.BookSummary{Title: "Harry Potter", Author: "J. K. Rowling", Description: "No description available from search.", ISBN: "9780439708180"}
	h.wf.Edit(func(d *domain.Draft) {
		d.SummaryText = "loved it"
		d.Rating = domain.RatingGood
	})

	if !h.wf.Lookup(context.Background(), "  Harry Potter ") {
		t.Fatalf("expected found")
	}
	if h.lookup.queries[0] != "Harry Potter" {
		t.Fatalf("expected trimmed query, got %q", h.lookup.queries[0])
	}
	d := h.wf.Draft()
	if d.Title != "Harry Potter" || d.Author != "J. K. Rowling" || d.ISBN != "9780439708180" {
		t.Fatalf("unexpected draft %+v", d)
	}
	if d.CoverURL != domain.DefaultCoverURL {
		t.Fatalf("expected default cover for missing cover url, got %q", d.CoverURL)
	}
	if d.SummaryText != "loved it" || d.Rating != domain.RatingGood {
		t.Fatalf("lookup should keep summary and rating: %+v", d)
	}
}

func TestLookupMissSeedsTitle(t *testing.T) {
	h := newHarness()
	h.wf.Edit(func(d *domain.Draft) {
		d.Author = "stale"
		d.ISBN = "123"
	})
	if h.wf.Lookup(context.Background(), "My Homemade Book") {
		t.Fatalf("expected not found")
	}
	d := h.wf.Draft()
	if d.Title != "My Homemade Book" || d.Author != "" || d.ISBN != "" || d.CoverURL != domain.DefaultCoverURL {
		t.Fatalf("unexpected draft %+v", d)
	}
	if note, _ := h.notifier.Current(); note.Message != msgNotFound {
		t.Fatalf("unexpected notification %+v", note)
	}
	if h.wf.Lookup(context.Background(), "  ") {
		t.Fatalf("empty query should not be found")
	}
	if len(h.lookup.queries) != 1 {
		t.Fatalf("empty query should not call lookup")
	}
}
