package server

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"bookbuddy/pkg/domain"
	"bookbuddy/services/library/internal/app"
)

type profileEntry struct {
	ID   domain.Profile `json:"id"`
	Name string         `json:"name"`
}

type ratingEntry struct {
	Symbol domain.Rating `json:"symbol"`
	Label  string        `json:"label"`
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	profiles := make([]profileEntry, 0, len(domain.Profiles))
	for _, p := range domain.Profiles {
		profiles = append(profiles, profileEntry{ID: p, Name: p.DisplayName()})
	}
	ratings := make([]ratingEntry, 0, len(domain.Ratings))
	for _, rt := range domain.Ratings {
		ratings = append(ratings, ratingEntry{Symbol: rt, Label: rt.Label()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profiles":       profiles,
		"ratings":        ratings,
		"defaultProfile": domain.DefaultProfile(),
		"defaultRating":  domain.DefaultRating(),
	})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !s.allowRate(w, r, s.lookupLimiter, "too many lookups, try again later") {
		s.audit(r, "library.lookup", "rate_limited")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	book, found := s.app.Search(r.Context(), query)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": true, "book": book})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	category, err := domain.ParseCategory(strings.Trim(strings.TrimPrefix(r.URL.Path, "/uploads/"), "/"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidCategory, "unknown media category")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeMultipartError(w, r, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeFileRequired, "file is required")
		return
	}
	defer file.Close()

	filename := strings.TrimSpace(r.FormValue("filename"))
	if filename == "" {
		filename = header.Filename
	}
	upload, err := s.app.Upload(r.Context(), id, category, filename, file, header.Size, partContentType(header))
	if err != nil {
		s.audit(r, "library.upload", "fail", "category", string(category), "error", err.Error())
		writeAppError(w, r, err)
		return
	}
	logger(r.Context()).Info("media uploaded", "key", upload.Key, "size", header.Size)
	writeJSON(w, http.StatusCreated, upload)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet, http.MethodHead)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/media/")
	rc, info, err := s.app.OpenMedia(r.Context(), key)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer rc.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
	// Keys embed a millisecond timestamp, so an object never changes.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		logger(r.Context()).Warn("media stream interrupted", "key", key, "error", err)
	}
}

type listBooksResponse struct {
	Items []domain.BookRecord `json:"items"`
	Count int                 `json:"count"`
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	switch r.Method {
	case http.MethodGet:
		profile := domain.Profile(strings.TrimSpace(r.URL.Query().Get("profile")))
		books, err := s.app.ListBooks(r.Context(), id, profile)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if books == nil {
			books = []domain.BookRecord{}
		}
		writeJSON(w, http.StatusOK, listBooksResponse{Items: books, Count: len(books)})
	case http.MethodPost:
		var rec domain.BookRecord
		if err := decodeJSON(r, &rec); err != nil {
			writeError(w, r, http.StatusBadRequest, codeInvalidJSON, "invalid json")
			return
		}
		created, err := s.app.CreateBook(r.Context(), id, rec)
		if err != nil {
			if errors.Is(err, app.ErrForeignMedia) {
				s.audit(r, "library.book.create", "forbidden")
			}
			writeAppError(w, r, err)
			return
		}
		logger(r.Context()).Info("book created", "book_id", created.ID, "profile", created.ProfileID)
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeMultipartError(w, r, err)
		return
	}
	sub := app.Submission{
		Title:       r.FormValue("title"),
		Author:      r.FormValue("author"),
		Description: r.FormValue("description"),
		ISBN:        r.FormValue("isbn"),
		SummaryText: r.FormValue("summaryText"),
		Rating:      domain.Rating(r.FormValue("rating")),
		CoverURL:    r.FormValue("coverUrl"),
		Profile:     domain.Profile(r.FormValue("profileId")),
	}
	var err error
	if sub.Cover, err = readPart(r, "cover"); err != nil {
		writeAppError(w, r, err)
		return
	}
	if sub.Audio, err = readPart(r, "audio"); err != nil {
		writeAppError(w, r, err)
		return
	}
	created, err := s.app.SubmitBook(r.Context(), id, sub)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	logger(r.Context()).Info("book submitted", "book_id", created.ID, "profile", created.ProfileID,
		"has_cover", sub.Cover != nil, "has_audio", sub.Audio != nil)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	bookID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/books/"), "/")
	if bookID == "" || strings.Contains(bookID, "/") {
		writeError(w, r, http.StatusNotFound, codeNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		rec, err := s.app.GetBook(r.Context(), id, bookID)
		if err != nil {
			if errors.Is(err, app.ErrForbidden) {
				s.audit(r, "library.book.get", "forbidden", "book_id", bookID)
			}
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		res, err := s.app.DeleteBook(r.Context(), id, bookID)
		if err != nil {
			s.audit(r, "library.book.delete", "fail", "book_id", bookID)
			writeAppError(w, r, err)
			return
		}
		switch res.Status {
		case domain.DeleteNotFound:
			writeDeleteResult(w, r, http.StatusNotFound, res, codeBookNotFound, "book not found")
		case domain.DeleteForbidden:
			s.audit(r, "library.book.delete", "forbidden", "book_id", bookID)
			writeDeleteResult(w, r, http.StatusForbidden, res, codeBookForbidden, "forbidden")
		default:
			s.audit(r, "library.book.delete", "success", "book_id", bookID)
			writeDeleteResult(w, r, http.StatusOK, res, "", "")
		}
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) writeMultipartError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.audit(r, "library.upload", "fail", "reason", "too_large")
		writeError(w, r, http.StatusRequestEntityTooLarge, codeUploadTooLarge, "upload too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, codeFileRequired, "invalid multipart form")
}

// readPart loads an optional file part into memory. A missing part yields nil.
func readPart(r *http.Request, field string) (*domain.Blob, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return &domain.Blob{Data: data, ContentType: partContentType(header), Name: header.Filename}, nil
}

func partContentType(header *multipart.FileHeader) string {
	if ct := strings.TrimSpace(header.Header.Get("Content-Type")); ct != "" {
		return ct
	}
	if ct := mime.TypeByExtension(path.Ext(header.Filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
