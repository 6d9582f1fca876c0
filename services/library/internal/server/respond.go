package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"bookbuddy/internal/util"
	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/storage"
	"bookbuddy/services/library/internal/app"
)

const (
	codeInvalidToken        = "AUTH_INVALID_TOKEN"
	codeRefreshRequired     = "AUTH_REFRESH_TOKEN_REQUIRED"
	codeInvalidRefresh      = "AUTH_INVALID_REFRESH_TOKEN"
	codeRateLimited         = "RATE_LIMITED"
	codeInvalidJSON         = "INVALID_JSON"
	codeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	codeNotFound            = "NOT_FOUND"
	codeInternal            = "INTERNAL_ERROR"
	codeTitleRequired       = "BOOK_TITLE_REQUIRED"
	codeInvalidProfile      = "BOOK_INVALID_PROFILE"
	codeInvalidRating       = "BOOK_INVALID_RATING"
	codeBookNotFound        = "BOOK_NOT_FOUND"
	codeBookForbidden       = "BOOK_FORBIDDEN"
	codeForeignMedia        = "BOOK_FOREIGN_MEDIA"
	codeInvalidCategory     = "UPLOAD_INVALID_CATEGORY"
	codeInvalidFilename     = "UPLOAD_INVALID_FILENAME"
	codeFileRequired        = "UPLOAD_FILE_REQUIRED"
	codeUploadTooLarge      = "UPLOAD_TOO_LARGE"
	codeInvalidType         = "UPLOAD_INVALID_TYPE"
	codeMediaNotFound       = "MEDIA_NOT_FOUND"
	codeIdentityUnavailable = "AUTH_NO_IDENTITY"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// deleteResponse always carries the delete result; refusals add the usual
// error fields so generic error handling still applies.
type deleteResponse struct {
	domain.DeleteResult
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeDeleteResult(w http.ResponseWriter, r *http.Request, status int, res domain.DeleteResult, code, msg string) {
	resp := deleteResponse{DeleteResult: res, Error: msg, Code: code}
	if code != "" {
		resp.RequestID = util.RequestIDFromRequest(r)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: util.RequestIDFromRequest(r),
	})
}

// writeAppError maps domain and app errors onto status codes. Anything
// unrecognised is logged and reported as a 500 without its message.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, codeUploadTooLarge, "upload too large")
	case errors.Is(err, app.ErrTitleRequired):
		writeError(w, r, http.StatusBadRequest, codeTitleRequired, "title is required")
	case errors.Is(err, domain.ErrInvalidProfile):
		writeError(w, r, http.StatusBadRequest, codeInvalidProfile, err.Error())
	case errors.Is(err, domain.ErrInvalidRating):
		writeError(w, r, http.StatusBadRequest, codeInvalidRating, err.Error())
	case errors.Is(err, domain.ErrInvalidCategory):
		writeError(w, r, http.StatusBadRequest, codeInvalidCategory, err.Error())
	case errors.Is(err, storage.ErrUnsupportedMediaType):
		writeError(w, r, http.StatusUnsupportedMediaType, codeInvalidType, err.Error())
	case errors.Is(err, storage.ErrInvalidFilename):
		writeError(w, r, http.StatusBadRequest, codeInvalidFilename, err.Error())
	case errors.Is(err, app.ErrForeignMedia):
		writeError(w, r, http.StatusBadRequest, codeForeignMedia, err.Error())
	case errors.Is(err, app.ErrBookNotFound):
		writeError(w, r, http.StatusNotFound, codeBookNotFound, "book not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, r, http.StatusForbidden, codeBookForbidden, "forbidden")
	case errors.Is(err, app.ErrMediaNotFound):
		writeError(w, r, http.StatusNotFound, codeMediaNotFound, "media not found")
	case errors.Is(err, domain.ErrNoIdentity):
		writeError(w, r, http.StatusUnauthorized, codeIdentityUnavailable, "identity required")
	default:
		logger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
