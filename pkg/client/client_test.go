package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/identity"
)

type fakeTokens struct {
	mu          sync.Mutex
	tokens      []string
	invalidated int
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.invalidated
	if idx >= len(f.tokens) {
		idx = len(f.tokens) - 1
	}
	return f.tokens[idx], nil
}

func (f *fakeTokens) Invalidate() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSignInAnonymouslyMapsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/anonymous" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"identity":     map[string]any{"id": "ident-1", "anonymous": true},
			"accessToken":  "access",
			"refreshToken": "refresh",
			"expiresIn":    900,
			"tokenType":    "Bearer",
		})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	creds, err := c.SignInAnonymously(context.Background())
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if creds.Identity.ID != "ident-1" || !creds.Identity.Anonymous {
		t.Fatalf("unexpected identity %+v", creds.Identity)
	}
	if creds.AccessToken != "access" || creds.RefreshToken != "refresh" {
		t.Fatalf("unexpected tokens %+v", creds)
	}
	if !creds.ExpiresAt.Equal(fixed.Add(15 * time.Minute)) {
		t.Fatalf("expiresAt = %v", creds.ExpiresAt)
	}
}

func TestRefreshRejectedMatchesUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid refresh token", "code": "AUTH_INVALID_REFRESH_TOKEN"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Refresh(context.Background(), "stale")
	if !errors.Is(err, identity.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "AUTH_INVALID_REFRESH_TOKEN" {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestAuthenticatedCallRetriesOnceWithFreshToken(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer fresh" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if got := r.URL.Query().Get("profile"); got != "ron" {
			t.Errorf("profile query = %q", got)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": []domain.BookRecord{{ID: "b1", Title: "Matilda", ProfileID: domain.ProfileRon}},
			"count": 1,
		})
	}))
	defer srv.Close()

	tokens := &fakeTokens{tokens: []string{"stale", "fresh"}}
	c := New(srv.URL).WithTokens(tokens)
	books, err := c.ListBooks(context.Background(), domain.Identity{ID: "ident-1"}, domain.ProfileRon)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(books) != 1 || books[0].Title != "Matilda" {
		t.Fatalf("unexpected books %+v", books)
	}
	if tokens.invalidated != 1 {
		t.Fatalf("expected one invalidation, got %d", tokens.invalidated)
	}
	if len(seen) != 2 || seen[0] != "Bearer stale" || seen[1] != "Bearer fresh" {
		t.Fatalf("unexpected auth headers %v", seen)
	}
}

func TestAuthenticatedCallGivesUpAfterSecondRejection(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}))
	defer srv.Close()

	c := New(srv.URL).WithTokens(&fakeTokens{tokens: []string{"a", "b"}})
	_, err := c.Me(context.Background())
	if !errors.Is(err, identity.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestListBooksWithoutIdentitySkipsService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	}))
	defer srv.Close()

	books, err := New(srv.URL).ListBooks(context.Background(), domain.Identity{}, domain.ProfileHarry)
	if err != nil || books == nil || len(books) != 0 {
		t.Fatalf("expected empty non-nil list, got %v %v", books, err)
	}
}

func TestDeleteBookMapsStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/books/")
		switch id {
		case "mine":
			writeJSON(w, http.StatusOK, domain.DeleteResult{ID: id, Status: domain.DeleteDeleted})
		case "gone":
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "book not found", "code": "BOOK_NOT_FOUND"})
		case "theirs":
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden", "code": "BOOK_FORBIDDEN"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
		}
	}))
	defer srv.Close()

	c := New(srv.URL).WithTokens(&fakeTokens{tokens: []string{"t"}})
	id := domain.Identity{ID: "ident-1"}
	cases := map[string]domain.DeleteStatus{
		"mine":   domain.DeleteDeleted,
		"gone":   domain.DeleteNotFound,
		"theirs": domain.DeleteForbidden,
	}
	for bookID, want := range cases {
		res, err := c.DeleteBook(context.Background(), id, bookID)
		if err != nil {
			t.Fatalf("delete %s: %v", bookID, err)
		}
		if res.Status != want || res.ID != bookID {
			t.Fatalf("delete %s = %+v, want %s", bookID, res, want)
		}
	}
	if _, err := c.DeleteBook(context.Background(), id, "broken"); err == nil {
		t.Fatalf("expected server error to surface")
	}
	if _, err := c.DeleteBook(context.Background(), domain.Identity{}, "mine"); !errors.Is(err, domain.ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestUploadMediaSendsMultipartFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/uploads/summaries" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "opus" {
			t.Errorf("data = %q", data)
		}
		if header.Header.Get("Content-Type") != "audio/webm" {
			t.Errorf("content type = %q", header.Header.Get("Content-Type"))
		}
		if r.FormValue("filename") != "1_Dune_summary.webm" {
			t.Errorf("filename = %q", r.FormValue("filename"))
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"key": "summaries/ident-1/1_Dune_summary.webm",
			"url": "http://media/summaries/ident-1/1_Dune_summary.webm",
		})
	}))
	defer srv.Close()

	c := New(srv.URL).WithTokens(&fakeTokens{tokens: []string{"t"}})
	url, err := c.UploadMedia(context.Background(), domain.Identity{ID: "ident-1"}, domain.CategorySummaries, "1_Dune_summary.webm", domain.Blob{Data: []byte("opus"), ContentType: "audio/webm"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "http://media/summaries/ident-1/1_Dune_summary.webm" {
		t.Fatalf("url = %q", url)
	}
	if _, err := c.UploadMedia(context.Background(), domain.Identity{ID: "ident-1"}, "posters", "a", domain.Blob{Data: []byte("x")}); !errors.Is(err, domain.ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
}

func TestSearchFailureReadsAsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "The Hobbit" {
			writeJSON(w, http.StatusOK, map[string]any{
				"found": true,
				"book":  domain.BookSummary{Title: "The Hobbit", Author: "J.R.R. Tolkien", ISBN: "N/A"},
			})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	book, ok := c.Search(context.Background(), "The Hobbit")
	if !ok || book.Author != "J.R.R. Tolkien" {
		t.Fatalf("unexpected result %+v %v", book, ok)
	}
	if _, ok := c.Search(context.Background(), "anything"); ok {
		t.Fatalf("expected failure to read as not found")
	}
	if _, ok := c.Search(context.Background(), "  "); ok {
		t.Fatalf("expected blank query to be not found")
	}
}

func TestSubmitBookSendsFieldsAndMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("title") != "Dune" || r.FormValue("profileId") != "lily" || r.FormValue("rating") != "🤩" {
			t.Errorf("unexpected fields %v", r.MultipartForm.Value)
		}
		if _, ok := r.MultipartForm.File["cover"]; ok {
			t.Errorf("cover should not be sent")
		}
		if _, ok := r.MultipartForm.File["audio"]; !ok {
			t.Errorf("audio missing")
		}
		writeJSON(w, http.StatusCreated, domain.BookRecord{ID: "b9", Title: "Dune", ProfileID: domain.ProfileLily})
	}))
	defer srv.Close()

	c := New(srv.URL).WithTokens(&fakeTokens{tokens: []string{"t"}})
	rec, err := c.SubmitBook(context.Background(), Submission{
		Title:   "Dune",
		Rating:  domain.RatingGreat,
		Profile: domain.ProfileLily,
		Audio:   &domain.Blob{Data: []byte("opus"), ContentType: "audio/webm"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.ID != "b9" {
		t.Fatalf("unexpected record %+v", rec)
	}
}
