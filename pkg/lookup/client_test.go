package lookup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, WithCoversURL("https://covers.openlibrary.org"))
}

func TestIsISBN(t *testing.T) {
	cases := map[string]bool{
		"9780439708180":  true,
		"0439708184":     true,
		"043970818":      false,
		"97804397081800": false,
		"978-0439708180": false,
		"Harry Potter":   false,
		"043970818X":     false,
	}
	for in, want := range cases {
		if got := IsISBN(in); got != want {
			t.Fatalf("IsISBN(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSearchByISBN(t *testing.T) {
	var path, bibkeys string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		bibkeys = r.URL.Query().Get("bibkeys")
		if r.URL.Query().Get("jscmd") != "data" {
			t.Errorf("expected jscmd=data, got %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"ISBN:9780439708180": {
			"title": "Harry Potter and the Sorcerer's Stone",
			"authors": [{"name": "J. K. Rowling"}, {"name": "Mary GrandPré"}],
			"cover": {"small": "s.jpg", "large": "https://covers.openlibrary.org/b/id/1-L.jpg"},
			"notes": {"type": "/type/text", "value": "First in the series."}
		}}`))
	})

	book, ok := c.Search(context.Background(), "9780439708180")
	if !ok {
		t.Fatalf("expected a match")
	}
	if path != "/api/books" || bibkeys != "ISBN:9780439708180" {
		t.Fatalf("unexpected ISBN request: path=%q bibkeys=%q", path, bibkeys)
	}
	if book.Title != "Harry Potter and the Sorcerer's Stone" || book.Author != "J. K. Rowling" {
		t.Fatalf("unexpected book: %+v", book)
	}
	if book.CoverURL != "https://covers.openlibrary.org/b/id/1-L.jpg" {
		t.Fatalf("cover = %q", book.CoverURL)
	}
	if book.Description != "First in the series." || book.ISBN != "9780439708180" {
		t.Fatalf("unexpected description/isbn: %+v", book)
	}
}

func TestSearchByISBNDefaults(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ISBN:0439708184": {"title": "Untitled"}}`))
	})
	book, ok := c.Search(context.Background(), "0439708184")
	if !ok {
		t.Fatalf("expected a match")
	}
	if book.Author != UnknownAuthor || book.Description != NoDescription || book.CoverURL != "" {
		t.Fatalf("unexpected defaults: %+v", book)
	}
}

func TestSearchByISBNEmptyMappingIsNotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	if _, ok := c.Search(context.Background(), "0000000000"); ok {
		t.Fatalf("expected not found")
	}
}

func TestSearchByTitle(t *testing.T) {
	var path, q string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		q = r.URL.Query().Get("q")
		_, _ = w.Write([]byte(`{"numFound": 2, "docs": [
			{"title": "Harry Potter and the Philosopher's Stone", "author_name": ["J. K. Rowling"], "cover_i": 10521270, "isbn": ["9781408855652", "1408855658"]},
			{"title": "Second", "author_name": ["Someone"]}
		]}`))
	})

	book, ok := c.Search(context.Background(), "Harry Potter")
	if !ok {
		t.Fatalf("expected a match")
	}
	if path != "/search.json" || q != "Harry Potter" {
		t.Fatalf("unexpected title request: path=%q q=%q", path, q)
	}
	if book.CoverURL != "https://covers.openlibrary.org/b/id/10521270-L.jpg" {
		t.Fatalf("cover = %q", book.CoverURL)
	}
	if book.ISBN != "9781408855652" || book.Description != NoDescriptionFromSearch {
		t.Fatalf("unexpected book: %+v", book)
	}
}

func TestSearchByTitleWithoutCoverOrISBN(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"docs": [{"title": "The Hobbit"}]}`))
	})
	book, ok := c.Search(context.Background(), "Hobbit")
	if !ok {
		t.Fatalf("expected a match")
	}
	if book.CoverURL != "" || book.Author != UnknownAuthor || book.ISBN != MissingISBN {
		t.Fatalf("unexpected book: %+v", book)
	}
}

func TestSearchByTitleEmptyDocsIsNotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"numFound": 0, "docs": []}`))
	})
	if _, ok := c.Search(context.Background(), "zzzzzz"); ok {
		t.Fatalf("expected not found")
	}
}

func TestSearchFailuresAreNotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search.json" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`not json`))
	})
	if _, ok := c.Search(context.Background(), "Matilda"); ok {
		t.Fatalf("expected not found on HTTP error")
	}
	if _, ok := c.Search(context.Background(), "9780142410370"); ok {
		t.Fatalf("expected not found on parse error")
	}

	unreachable := New("http://127.0.0.1:1")
	if _, ok := unreachable.Search(context.Background(), "Matilda"); ok {
		t.Fatalf("expected not found on transport error")
	}
}

func TestSearchEmptyQuerySkipsNetwork(t *testing.T) {
	var calls int32
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})
	if _, ok := c.Search(context.Background(), "   "); ok {
		t.Fatalf("expected not found")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("empty query should not hit the API")
	}
}
