// Package lookup resolves a free-text query to book metadata using the
// Open Library API. A miss of any kind is reported as "not found" so callers
// can fall back to manual entry.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bookbuddy/pkg/domain"
)

const (
	DefaultBaseURL   = "https://openlibrary.org"
	DefaultCoversURL = "https://covers.openlibrary.org"

	UnknownAuthor            = "Unknown Author"
	NoDescription            = "No description available."
	NoDescriptionFromSearch  = "No description available from search."
	MissingISBN              = "N/A"
	maxResponseBytes         = 4 << 20
	defaultHTTPClientTimeout = 10 * time.Second
)

var isbnPattern = regexp.MustCompile(`^\d{10}$|^\d{13}$`)

// IsISBN reports whether query is exactly 10 or 13 digits.
func IsISBN(query string) bool {
	return isbnPattern.MatchString(query)
}

// Client queries Open Library.
type Client struct {
	baseURL    string
	coversURL  string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithCoversURL overrides the cover image host used for search results.
func WithCoversURL(coversURL string) Option {
	return func(c *Client) {
		if coversURL = strings.TrimSpace(coversURL); coversURL != "" {
			c.coversURL = strings.TrimRight(coversURL, "/")
		}
	}
}

// WithLogger sets the logger used for swallowed failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client. An empty baseURL selects DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		coversURL:  DefaultCoversURL,
		httpClient: &http.Client{Timeout: defaultHTTPClientTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search classifies query as ISBN or title and returns the normalized first
// match. ok is false when nothing was found or the call failed.
func (c *Client) Search(ctx context.Context, query string) (domain.BookSummary, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.BookSummary{}, false
	}
	var (
		book domain.BookSummary
		ok   bool
		err  error
	)
	if IsISBN(query) {
		book, ok, err = c.byISBN(ctx, query)
	} else {
		book, ok, err = c.byTitle(ctx, query)
	}
	if err != nil {
		c.logger.Warn("book lookup failed", "query", query, "isbn", IsISBN(query), "err", err)
		return domain.BookSummary{}, false
	}
	return book, ok
}

type isbnEntry struct {
	Title   string `json:"title"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
	Cover *struct {
		Small  string `json:"small"`
		Medium string `json:"medium"`
		Large  string `json:"large"`
	} `json:"cover"`
	Notes json.RawMessage `json:"notes"`
}

func (c *Client) byISBN(ctx context.Context, isbn string) (domain.BookSummary, bool, error) {
	params := url.Values{}
	params.Set("bibkeys", "ISBN:"+isbn)
	params.Set("format", "json")
	params.Set("jscmd", "data")
	var payload map[string]isbnEntry
	if err := c.getJSON(ctx, c.baseURL+"/api/books?"+params.Encode(), &payload); err != nil {
		return domain.BookSummary{}, false, err
	}
	var (
		entry isbnEntry
		found bool
	)
	for _, v := range payload {
		entry, found = v, true
		break
	}
	if !found {
		return domain.BookSummary{}, false, nil
	}
	book := domain.BookSummary{
		Title:       entry.Title,
		Author:      UnknownAuthor,
		Description: NoDescription,
		ISBN:        isbn,
	}
	if len(entry.Authors) > 0 && strings.TrimSpace(entry.Authors[0].Name) != "" {
		book.Author = entry.Authors[0].Name
	}
	if entry.Cover != nil {
		book.CoverURL = entry.Cover.Large
	}
	if notes := decodeNotes(entry.Notes); notes != "" {
		book.Description = notes
	}
	return book, true, nil
}

// notes is either a plain string or {"type": "/type/text", "value": "..."}.
func decodeNotes(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var text struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text.Value)
	}
	return ""
}

type searchResponse struct {
	NumFound int         `json:"numFound"`
	Docs     []searchDoc `json:"docs"`
}

type searchDoc struct {
	Title      string   `json:"title"`
	AuthorName []string `json:"author_name"`
	CoverID    int64    `json:"cover_i"`
	ISBN       []string `json:"isbn"`
}

func (c *Client) byTitle(ctx context.Context, title string) (domain.BookSummary, bool, error) {
	params := url.Values{}
	params.Set("q", title)
	var payload searchResponse
	if err := c.getJSON(ctx, c.baseURL+"/search.json?"+params.Encode(), &payload); err != nil {
		return domain.BookSummary{}, false, err
	}
	if len(payload.Docs) == 0 {
		return domain.BookSummary{}, false, nil
	}
	doc := payload.Docs[0]
	book := domain.BookSummary{
		Title:       doc.Title,
		Author:      UnknownAuthor,
		Description: NoDescriptionFromSearch,
		ISBN:        MissingISBN,
	}
	if len(doc.AuthorName) > 0 && strings.TrimSpace(doc.AuthorName[0]) != "" {
		book.Author = doc.AuthorName[0]
	}
	if doc.CoverID > 0 {
		book.CoverURL = c.coverURL(doc.CoverID)
	}
	if len(doc.ISBN) > 0 && doc.ISBN[0] != "" {
		book.ISBN = doc.ISBN[0]
	}
	return book, true, nil
}

func (c *Client) coverURL(coverID int64) string {
	return c.coversURL + "/b/id/" + strconv.FormatInt(coverID, 10) + "-L.jpg"
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("open library status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode open library response: %w", err)
	}
	return nil
}
