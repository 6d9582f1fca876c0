package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/workflow"
)

// fakeLibrary is a minimal stand-in for the library service.
type fakeLibrary struct {
	mu       sync.Mutex
	signIns  int
	nextID   int
	books    []domain.BookRecord
	uploads  []string
	submits  []map[string]string
	srv      *httptest.Server
	identity string
}

func newFakeLibrary(t *testing.T) *fakeLibrary {
	t.Helper()
	f := &fakeLibrary{identity: "ident-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/anonymous", f.handleSignIn)
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, domain.Identity{ID: f.identity, Anonymous: true})
	})
	mux.HandleFunc("/profiles", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{
			"profiles":       []map[string]string{{"id": "harry", "name": "Harry"}, {"id": "ron", "name": "Ron"}},
			"ratings":        []map[string]string{{"symbol": "⭐️", "label": "Amazing"}},
			"defaultProfile": "harry",
			"defaultRating":  "⭐️",
		})
	})
	mux.HandleFunc("/lookup", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "9780064400558" {
			writeTestJSON(w, http.StatusOK, map[string]any{"found": false})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"found": true, "book": domain.BookSummary{
			Title: "Charlotte's Web", Author: "E. B. White", ISBN: "9780064400558", Description: "No description available.",
		}})
	})
	mux.HandleFunc("/uploads/", f.handleUpload)
	mux.HandleFunc("/books", f.handleBooks)
	mux.HandleFunc("/books/submit", f.handleSubmit)
	mux.HandleFunc("/books/", f.handleDelete)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeLibrary) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer access-token" {
		writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "code": "AUTH_INVALID_TOKEN"})
		return false
	}
	return true
}

func (f *fakeLibrary) handleSignIn(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.signIns++
	f.mu.Unlock()
	writeTestJSON(w, http.StatusCreated, map[string]any{
		"identity":     domain.Identity{ID: f.identity, Anonymous: true},
		"accessToken":  "access-token",
		"refreshToken": "refresh-token",
		"expiresIn":    3600,
		"tokenType":    "Bearer",
	})
}

func (f *fakeLibrary) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/uploads/") + "/" + f.identity + "/" + r.FormValue("filename")
	f.mu.Lock()
	f.uploads = append(f.uploads, key)
	f.mu.Unlock()
	writeTestJSON(w, http.StatusCreated, map[string]string{"key": key, "url": f.srv.URL + "/media/" + key})
}

func (f *fakeLibrary) create(rec domain.BookRecord) domain.BookRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.ID = fmt.Sprintf("book-%d", f.nextID)
	rec.UserID = f.identity
	if rec.ProfileID == "" {
		rec.ProfileID = domain.DefaultProfile()
	}
	rec.CreatedAt = time.Now().UTC()
	f.books = append(f.books, rec)
	return rec
}

func (f *fakeLibrary) handleBooks(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		profile := domain.Profile(r.URL.Query().Get("profile"))
		f.mu.Lock()
		items := []domain.BookRecord{}
		for _, b := range f.books {
			if profile == "" || b.ProfileID == profile {
				items = append(items, b)
			}
		}
		f.mu.Unlock()
		writeTestJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	case http.MethodPost:
		var rec domain.BookRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		writeTestJSON(w, http.StatusCreated, f.create(rec))
	}
}

func (f *fakeLibrary) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	seen := map[string]string{}
	for k, v := range r.MultipartForm.Value {
		seen[k] = v[0]
	}
	for k, files := range r.MultipartForm.File {
		seen["file:"+k] = files[0].Header.Get("Content-Type")
	}
	f.mu.Lock()
	f.submits = append(f.submits, seen)
	f.mu.Unlock()
	writeTestJSON(w, http.StatusCreated, f.create(domain.BookRecord{
		Title:     seen["title"],
		ProfileID: domain.Profile(seen["profileId"]),
		Rating:    domain.Rating(seen["rating"]),
	}))
}

func (f *fakeLibrary) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/books/")
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range f.books {
		if b.ID == id {
			f.books = append(f.books[:i], f.books[i+1:]...)
			writeTestJSON(w, http.StatusOK, domain.DeleteResult{ID: id, Status: domain.DeleteDeleted})
			return
		}
	}
	writeTestJSON(w, http.StatusNotFound, map[string]string{"error": "book not found", "code": "BOOK_NOT_FOUND"})
}

// snapshot copies the fake's state under its lock.
func (f *fakeLibrary) snapshot() (books []domain.BookRecord, uploads []string, submits []map[string]string, signIns int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.BookRecord(nil), f.books...),
		append([]string(nil), f.uploads...),
		append([]map[string]string(nil), f.submits...),
		f.signIns
}

type cliHarness struct {
	cfgPath string
	dir     string
}

func newHarness(t *testing.T, serverURL string) cliHarness {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("serverURL: %s\nidentityFile: %s\nlogLevel: error\n", serverURL, filepath.Join(dir, "identity.json"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cliHarness{cfgPath: cfgPath, dir: dir}
}

func (h cliHarness) run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", h.cfgPath, "--no-color"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestAddListDelete(t *testing.T) {
	lib := newFakeLibrary(t)
	h := newHarness(t, lib.srv.URL)

	out, _, err := h.run(t, "", "add", "--lookup", "9780064400558", "--rating", "Great", "--summary", "A pig and a spider become friends.")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, `"Charlotte's Web" added to your library!`) || !strings.Contains(out, "book-1") {
		t.Fatalf("unexpected add output:\n%s", out)
	}
	books, _, _, _ := lib.snapshot()
	if books[0].Rating != domain.RatingGreat || books[0].ProfileID != domain.ProfileHarry || books[0].CoverURL != domain.DefaultCoverURL {
		t.Fatalf("unexpected stored record %+v", books[0])
	}

	out, _, err = h.run(t, "", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"Harry's Library", "You've read 1 book!", "Charlotte's Web", "E. B. White", "A pig and a spider become friends."} {
		if !strings.Contains(out, want) {
			t.Fatalf("list output missing %q:\n%s", want, out)
		}
	}

	out, _, err = h.run(t, "n\n", "delete", "book-1")
	books, _, _, _ = lib.snapshot()
	if err != nil || !strings.Contains(out, "Kept it.") || len(books) != 1 {
		t.Fatalf("declined delete: err=%v books=%d out=%s", err, len(books), out)
	}
	out, _, err = h.run(t, "", "delete", "--yes", "book-1")
	if err != nil || !strings.Contains(out, "removed from your library") {
		t.Fatalf("delete: err=%v out=%s", err, out)
	}
	out, _, _ = h.run(t, "", "list")
	if !strings.Contains(out, "You've read 0 books!") {
		t.Fatalf("expected empty library:\n%s", out)
	}
	if _, _, err := h.run(t, "", "delete", "--yes", "book-1"); err == nil {
		t.Fatalf("expected error deleting a book not in the view")
	}
	if _, _, _, signIns := lib.snapshot(); signIns != 1 {
		t.Fatalf("identity should be restored from file, got %d sign-ins", signIns)
	}
}

func TestAddWithoutTitleFails(t *testing.T) {
	lib := newFakeLibrary(t)
	h := newHarness(t, lib.srv.URL)
	_, errOut, err := h.run(t, "", "add", "--author", "Nobody")
	if !errors.Is(err, workflow.ErrTitleRequired) {
		t.Fatalf("expected title required, got %v", err)
	}
	if !strings.Contains(errOut, "Please enter a book title.") {
		t.Fatalf("missing notification:\n%s", errOut)
	}
	if books, _, _, _ := lib.snapshot(); len(books) != 0 {
		t.Fatalf("nothing should be stored")
	}
}

func TestAddUploadsCoverAndAudioClientSide(t *testing.T) {
	lib := newFakeLibrary(t)
	h := newHarness(t, lib.srv.URL)
	cover := filepath.Join(h.dir, "drawing.png")
	audio := filepath.Join(h.dir, "voice.webm")
	if err := os.WriteFile(cover, []byte("png"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(audio, []byte("webm"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.run(t, "", "--profile", "ron", "add", "--title", "My Own Story", "--cover", cover, "--audio", audio); err != nil {
		t.Fatalf("add: %v", err)
	}
	books, uploads, _, _ := lib.snapshot()
	if len(uploads) != 2 || !strings.HasPrefix(uploads[0], "covers/ident-1/") || !strings.HasPrefix(uploads[1], "summaries/ident-1/") {
		t.Fatalf("unexpected uploads %v", uploads)
	}
	rec := books[0]
	if rec.ProfileID != domain.ProfileRon || !strings.Contains(rec.CoverURL, "/media/covers/") || !strings.Contains(rec.AudioURL, "/media/summaries/") {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestAddServerSideSendsMultipart(t *testing.T) {
	lib := newFakeLibrary(t)
	h := newHarness(t, lib.srv.URL)
	audio := filepath.Join(h.dir, "voice.webm")
	if err := os.WriteFile(audio, []byte("webm"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, _, err := h.run(t, "", "add", "--server-side", "--title", "Holes", "--rating", "😊", "--audio", audio)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, `"Holes" added to your library!`) {
		t.Fatalf("unexpected output:\n%s", out)
	}
	_, uploads, submits, _ := lib.snapshot()
	if len(submits) != 1 {
		t.Fatalf("expected one submit, got %d", len(submits))
	}
	got := submits[0]
	if got["title"] != "Holes" || got["rating"] != "😊" || got["profileId"] != "harry" || got["file:audio"] == "" {
		t.Fatalf("unexpected submit fields %v", got)
	}
	if _, ok := got["file:cover"]; ok {
		t.Fatalf("no cover was staged")
	}
	if len(uploads) != 0 {
		t.Fatalf("server-side add must not upload separately")
	}
}

func TestProfilesUseSavesDefault(t *testing.T) {
	lib := newFakeLibrary(t)
	h := newHarness(t, lib.srv.URL)
	out, _, err := h.run(t, "", "profiles")
	if err != nil || !strings.Contains(out, "* harry") {
		t.Fatalf("profiles: err=%v out=%s", err, out)
	}
	if _, _, err := h.run(t, "", "profiles", "use", "ron"); err != nil {
		t.Fatalf("use: %v", err)
	}
	data, err := os.ReadFile(h.cfgPath)
	if err != nil || !strings.Contains(string(data), "defaultProfile: ron") {
		t.Fatalf("config not updated: %v\n%s", err, data)
	}
	out, _, err = h.run(t, "", "list")
	if err != nil || !strings.Contains(out, "Ron's Library") {
		t.Fatalf("list as ron: err=%v out=%s", err, out)
	}
	if _, _, err := h.run(t, "", "profiles", "use", "draco"); !errors.Is(err, domain.ErrInvalidProfile) {
		t.Fatalf("expected invalid profile, got %v", err)
	}
}

func TestSearchAndSignOut(t *testing.T) {
	lib := newFakeLibrary(t)
	h := newHarness(t, lib.srv.URL)
	out, _, err := h.run(t, "", "search", "9780064400558")
	if err != nil || !strings.Contains(out, "Author:      E. B. White") {
		t.Fatalf("search: err=%v out=%s", err, out)
	}
	_, errOut, err := h.run(t, "", "search", "unknown", "book")
	if err != nil || !strings.Contains(errOut, "Book not found") {
		t.Fatalf("search miss: err=%v errOut=%s", err, errOut)
	}

	if out, _, err := h.run(t, "", "signin"); err != nil || !strings.Contains(out, "ident-1") {
		t.Fatalf("signin: err=%v out=%s", err, out)
	}
	if _, _, err := h.run(t, "", "signout"); err != nil {
		t.Fatalf("signout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.dir, "identity.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("identity file should be gone: %v", err)
	}
}

func TestRenderLibrary(t *testing.T) {
	long := strings.Repeat("é", 100)
	if got := snippet(long); got != strings.Repeat("é", 80)+"..." {
		t.Fatalf("unexpected snippet %q", got)
	}
	if got := snippet("  "); got != "No text summary recorded." {
		t.Fatalf("unexpected empty snippet %q", got)
	}
	out := renderLibrary(domain.ProfileGinny, []domain.BookRecord{
		{ID: "b1", Title: "Matilda", Author: "Roald Dahl", Rating: domain.RatingAmazing, AudioURL: "http://x/a.webm"},
	})
	for _, want := range []string{"Ginny's Library", "You've read 1 book!", "Matilda", "Amazing", "yes", "No text summary recorded."} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q:\n%s", want, out)
		}
	}
	if out := renderLibrary(domain.ProfileLily, nil); !strings.Contains(out, "You've read 0 books!") {
		t.Fatalf("unexpected empty render:\n%s", out)
	}
}

func TestLoadCLIConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("BOOKBUDDY_SERVER_URL", "")
	cfg, path, err := loadCLIConfig("")
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.ServerURL != defaultServerURL || cfg.DefaultProfile != "harry" || cfg.LogLevel != "warn" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.IdentityFile != filepath.Join(filepath.Dir(path), "identity.json") {
		t.Fatalf("identity file %q not next to %q", cfg.IdentityFile, path)
	}

	if _, _, err := loadCLIConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("explicit missing config should fail")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("defaultProfile: draco\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := loadCLIConfig(bad); !errors.Is(err, domain.ErrInvalidProfile) {
		t.Fatalf("expected invalid profile, got %v", err)
	}

	good := filepath.Join(t.TempDir(), "good.yaml")
	if err := os.WriteFile(good, []byte("serverURL: http://books.test/\ntimeout: 5s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BOOKBUDDY_SERVER_URL", "http://override.test")
	cfg, _, err = loadCLIConfig(good)
	if err != nil || cfg.ServerURL != "http://override.test" {
		t.Fatalf("env override: %v %+v", err, cfg)
	}
	if d, _ := cfg.timeout(); d != 5*time.Second {
		t.Fatalf("timeout %v", d)
	}
}
