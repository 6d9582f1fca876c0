// Package client talks to the library service over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/identity"
)

const defaultTimeout = 30 * time.Second

// APIError represents a library service error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Is lets callers match a rejected token with identity.ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	return target == identity.ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// TokenSource supplies access tokens and accepts notice of a rejected one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Catalog is the closed set of profiles and ratings the service accepts.
type Catalog struct {
	Profiles       []ProfileEntry `json:"profiles"`
	Ratings        []RatingEntry  `json:"ratings"`
	DefaultProfile domain.Profile `json:"defaultProfile"`
	DefaultRating  domain.Rating  `json:"defaultRating"`
}

// ProfileEntry is one selectable profile.
type ProfileEntry struct {
	ID   domain.Profile `json:"id"`
	Name string         `json:"name"`
}

// RatingEntry is one selectable rating.
type RatingEntry struct {
	Symbol domain.Rating `json:"symbol"`
	Label  string        `json:"label"`
}

// Client calls the library service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger used for non-fatal failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTokens returns a copy of c that authenticates library calls with
// tokens from src.
func (c *Client) WithTokens(src TokenSource) *Client {
	cp := *c
	cp.tokens = src
	return &cp
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string { return c.baseURL }

type authResponse struct {
	Identity     domain.Identity `json:"identity"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpiresIn    int64           `json:"expiresIn"`
	TokenType    string          `json:"tokenType"`
}

func (c *Client) credentials(resp authResponse) identity.Credentials {
	return identity.Credentials{
		Identity:     resp.Identity,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC(),
	}
}

// SignInAnonymously creates a fresh anonymous identity.
func (c *Client) SignInAnonymously(ctx context.Context) (identity.Credentials, error) {
	var resp authResponse
	err := c.send(ctx, false, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/anonymous", nil)
	}, &resp)
	if err != nil {
		return identity.Credentials{}, err
	}
	return c.credentials(resp), nil
}

// Refresh rotates the refresh token and issues a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (identity.Credentials, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return identity.Credentials{}, err
	}
	var resp authResponse
	err = c.send(ctx, false, func() (*http.Request, error) {
		return jsonRequest(ctx, http.MethodPost, c.baseURL+"/auth/refresh", body)
	}, &resp)
	if err != nil {
		return identity.Credentials{}, err
	}
	return c.credentials(resp), nil
}

// Logout revokes the access token and the refresh token family.
func (c *Client) Logout(ctx context.Context, creds identity.Credentials) error {
	body, err := json.Marshal(map[string]string{"refreshToken": creds.RefreshToken})
	if err != nil {
		return err
	}
	return c.send(ctx, false, func() (*http.Request, error) {
		req, err := jsonRequest(ctx, http.MethodPost, c.baseURL+"/auth/logout", body)
		if err != nil {
			return nil, err
		}
		addAuthHeader(req, creds.AccessToken)
		return req, nil
	}, nil)
}

// Me returns the identity the current token belongs to.
func (c *Client) Me(ctx context.Context) (domain.Identity, error) {
	var id domain.Identity
	err := c.send(ctx, true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	}, &id)
	return id, err
}

// Profiles returns the profile and rating catalog.
func (c *Client) Profiles(ctx context.Context) (Catalog, error) {
	var cat Catalog
	err := c.send(ctx, false, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/profiles", nil)
	}, &cat)
	return cat, err
}

type lookupResponse struct {
	Found bool               `json:"found"`
	Book  domain.BookSummary `json:"book"`
}

// Search looks a title or ISBN up through the service. Failures are logged
// and reported as not found.
func (c *Client) Search(ctx context.Context, query string) (domain.BookSummary, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.BookSummary{}, false
	}
	endpoint := c.baseURL + "/lookup?" + url.Values{"q": {query}}.Encode()
	var resp lookupResponse
	err := c.send(ctx, false, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, &resp)
	if err != nil {
		c.logger.Warn("lookup failed", "query", query, "error", err)
		return domain.BookSummary{}, false
	}
	return resp.Book, resp.Found
}

type uploadResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// UploadMedia stores blob under the identity's namespace and returns its URL.
func (c *Client) UploadMedia(ctx context.Context, id domain.Identity, category domain.MediaCategory, filename string, blob domain.Blob) (string, error) {
	if !id.Established() {
		return "", domain.ErrNoIdentity
	}
	if _, err := domain.ParseCategory(string(category)); err != nil {
		return "", err
	}
	var resp uploadResponse
	err := c.send(ctx, true, func() (*http.Request, error) {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		if err := writer.WriteField("filename", filename); err != nil {
			return nil, err
		}
		if err := writeBlob(writer, "file", filename, blob); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/uploads/"+string(category), body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return req, nil
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", category, err)
	}
	return resp.URL, nil
}

// CreateBook writes a finalized record owned by id.
func (c *Client) CreateBook(ctx context.Context, id domain.Identity, rec domain.BookRecord) (domain.BookRecord, error) {
	if !id.Established() {
		return domain.BookRecord{}, domain.ErrNoIdentity
	}
	rec.UserID = id.ID
	body, err := json.Marshal(rec)
	if err != nil {
		return domain.BookRecord{}, err
	}
	var created domain.BookRecord
	err = c.send(ctx, true, func() (*http.Request, error) {
		return jsonRequest(ctx, http.MethodPost, c.baseURL+"/books", body)
	}, &created)
	return created, err
}

// Submission is a complete add-book request handled in one call on the
// service side.
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

// SubmitBook sends the draft and its media in one multipart request.
func (c *Client) SubmitBook(ctx context.Context, sub Submission) (domain.BookRecord, error) {
	var created domain.BookRecord
	err := c.send(ctx, true, func() (*http.Request, error) {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		fields := [][2]string{
			{"title", sub.Title},
			{"author", sub.Author},
			{"description", sub.Description},
			{"isbn", sub.ISBN},
			{"summaryText", sub.SummaryText},
			{"rating", string(sub.Rating)},
			{"coverUrl", sub.CoverURL},
			{"profileId", string(sub.Profile)},
		}
		for _, f := range fields {
			if f[1] == "" {
				continue
			}
			if err := writer.WriteField(f[0], f[1]); err != nil {
				return nil, err
			}
		}
		if !sub.Cover.Empty() {
			if err := writeBlob(writer, "cover", orName(sub.Cover.Name, "cover"), *sub.Cover); err != nil {
				return nil, err
			}
		}
		if !sub.Audio.Empty() {
			if err := writeBlob(writer, "audio", orName(sub.Audio.Name, "summary.webm"), *sub.Audio); err != nil {
				return nil, err
			}
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/books/submit", body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return req, nil
	}, &created)
	return created, err
}

type listBooksResponse struct {
	Items []domain.BookRecord `json:"items"`
	Count int                 `json:"count"`
}

// ListBooks returns the books of one profile; an empty profile lists every
// book of the identity.
func (c *Client) ListBooks(ctx context.Context, id domain.Identity, profile domain.Profile) ([]domain.BookRecord, error) {
	if !id.Established() {
		return []domain.BookRecord{}, nil
	}
	endpoint := c.baseURL + "/books"
	if profile != "" {
		endpoint += "?" + url.Values{"profile": {string(profile)}}.Encode()
	}
	var resp listBooksResponse
	err := c.send(ctx, true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Items == nil {
		resp.Items = []domain.BookRecord{}
	}
	return resp.Items, nil
}

// GetBook returns one book of the identity.
func (c *Client) GetBook(ctx context.Context, bookID string) (domain.BookRecord, error) {
	var rec domain.BookRecord
	err := c.send(ctx, true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/books/"+url.PathEscape(bookID), nil)
	}, &rec)
	return rec, err
}

// DeleteBook asks the service to remove a book. A missing or foreign book is
// reported in the result rather than as an error.
func (c *Client) DeleteBook(ctx context.Context, id domain.Identity, bookID string) (domain.DeleteResult, error) {
	if !id.Established() {
		return domain.DeleteResult{}, domain.ErrNoIdentity
	}
	var res domain.DeleteResult
	err := c.send(ctx, true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/books/"+url.PathEscape(bookID), nil)
	}, &res)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusNotFound:
			return domain.DeleteResult{ID: bookID, Status: domain.DeleteNotFound}, nil
		case http.StatusForbidden:
			return domain.DeleteResult{ID: bookID, Status: domain.DeleteForbidden}, nil
		}
	}
	if err != nil {
		return domain.DeleteResult{}, err
	}
	if res.ID == "" {
		res.ID = bookID
	}
	return res, nil
}

// send performs the request built by build. Authenticated requests that come
// back 401 are retried once with a fresh token.
func (c *Client) send(ctx context.Context, authed bool, build func() (*http.Request, error), out any) error {
	attempts := 1
	if authed && c.tokens != nil {
		attempts = 2
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		req, err := build()
		if err != nil {
			return err
		}
		if authed && c.tokens != nil {
			token, err := c.tokens.Token(ctx)
			if err != nil {
				return fmt.Errorf("access token: %w", err)
			}
			addAuthHeader(req, token)
		}
		lastErr = c.do(req, out)
		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && apiErr.Status == http.StatusUnauthorized && authed && c.tokens != nil {
			c.logger.Debug("access token rejected, refreshing", "path", req.URL.Path)
			c.tokens.Invalidate()
			continue
		}
		return lastErr
	}
	return lastErr
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Code: strings.TrimSpace(errResp.Code)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func jsonRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func writeBlob(writer *multipart.Writer, field, filename string, blob domain.Blob) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(blob.Data)
	return err
}

func addAuthHeader(req *http.Request, token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func orName(name, fallback string) string {
	if strings.TrimSpace(name) == "" {
		return fallback
	}
	return name
}
