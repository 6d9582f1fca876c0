package domain

import (
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// DefaultCoverURL is shown for books without a looked-up or uploaded cover.
const DefaultCoverURL = "/book-buddy-mascot.png"

var (
	// ErrNoIdentity is returned by every write path called without an identity.
	ErrNoIdentity      = errors.New("identity not established")
	ErrInvalidProfile  = errors.New("invalid profile")
	ErrInvalidRating   = errors.New("invalid rating")
	ErrInvalidCategory = errors.New("invalid media category")
)

// Identity is the anonymous owner key for records and uploads.
type Identity struct {
	ID        string    `json:"id"`
	Anonymous bool      `json:"anonymous"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Established reports whether the identity carries an owner key.
func (i Identity) Established() bool {
	return strings.TrimSpace(i.ID) != ""
}

// Profile is one named library slot of an identity.
type Profile string

const (
	ProfileHarry    Profile = "harry"
	ProfileHermione Profile = "hermione"
	ProfileRon      Profile = "ron"
	ProfileGinny    Profile = "ginny"
	ProfileAlbus    Profile = "albus"
	ProfileLily     Profile = "lily"
)

// Profiles lists the closed profile set; the first entry is the default.
var Profiles = []Profile{ProfileHarry, ProfileHermione, ProfileRon, ProfileGinny, ProfileAlbus, ProfileLily}

// DefaultProfile is selected when nothing else is.
func DefaultProfile() Profile { return Profiles[0] }

// ParseProfile validates a profile name (case-insensitive).
func ParseProfile(name string) (Profile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range Profiles {
		if string(p) == name {
			return p, nil
		}
	}
	return "", ErrInvalidProfile
}

// DisplayName capitalizes the profile name.
func (p Profile) DisplayName() string {
	s := string(p)
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// Rating is one of a small set of symbolic ratings.
type Rating string

const (
	RatingAmazing Rating = "⭐️"
	RatingGreat   Rating = "🤩"
	RatingGood    Rating = "😊"
)

// Ratings lists the closed rating set; the first entry is the default.
var Ratings = []Rating{RatingAmazing, RatingGreat, RatingGood}

// DefaultRating is the rating a fresh draft starts with.
func DefaultRating() Rating { return Ratings[0] }

// Label returns the human label of a rating.
func (r Rating) Label() string {
	switch r {
	case RatingAmazing:
		return "Amazing"
	case RatingGreat:
		return "Great"
	case RatingGood:
		return "Good"
	default:
		return ""
	}
}

// ParseRating accepts either the symbol or its label (case-insensitive).
// An empty value yields the default rating.
func ParseRating(value string) (Rating, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultRating(), nil
	}
	for _, r := range Ratings {
		if string(r) == value || strings.EqualFold(r.Label(), value) {
			return r, nil
		}
	}
	return "", ErrInvalidRating
}

// MediaCategory is the logical bucket an upload belongs to.
type MediaCategory string

const (
	CategoryCovers    MediaCategory = "covers"
	CategorySummaries MediaCategory = "summaries"
)

// ParseCategory validates an upload category.
func ParseCategory(value string) (MediaCategory, error) {
	switch MediaCategory(strings.ToLower(strings.TrimSpace(value))) {
	case CategoryCovers:
		return CategoryCovers, nil
	case CategorySummaries:
		return CategorySummaries, nil
	default:
		return "", ErrInvalidCategory
	}
}

// BookRecord is a persisted library entry. Immutable once created.
type BookRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	CoverURL    string    `json:"coverUrl"`
	Description string    `json:"description"`
	ISBN        string    `json:"isbn"`
	SummaryText string    `json:"summaryText"`
	AudioURL    string    `json:"audioUrl"`
	Rating      Rating    `json:"rating"`
	UserID      string    `json:"userId"`
	ProfileID   Profile   `json:"profileId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// BookSummary is the normalized result of a metadata lookup.
type BookSummary struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	CoverURL    string `json:"coverUrl,omitempty"`
	Description string `json:"description"`
	ISBN        string `json:"isbn"`
}

// Blob is binary content held locally before upload.
type Blob struct {
	Data        []byte
	ContentType string
	// Name is the local file name, when the blob came from a file.
	Name string
}

// Size returns the content length.
func (b Blob) Size() int64 { return int64(len(b.Data)) }

// Empty reports whether the blob carries no content.
func (b *Blob) Empty() bool { return b == nil || len(b.Data) == 0 }

// Draft is the in-progress, unsaved book entry.
type Draft struct {
	Title       string
	Author      string
	CoverURL    string
	Description string
	ISBN        string
	SummaryText string
	AudioURL    string
	Rating      Rating
	// CoverFile is a staged local cover; CoverURL holds its preview until submit.
	CoverFile *Blob
}

// NewDraft returns a draft with default values.
func NewDraft() Draft {
	return Draft{
		CoverURL: DefaultCoverURL,
		Rating:   DefaultRating(),
	}
}

// DeleteStatus is the outcome of a delete request.
type DeleteStatus string

const (
	DeleteDeleted   DeleteStatus = "deleted"
	DeleteNotFound  DeleteStatus = "not_found"
	DeleteForbidden DeleteStatus = "forbidden"
)

// DeleteResult tells the caller whether a local removal may be committed.
type DeleteResult struct {
	ID     string       `json:"id"`
	Status DeleteStatus `json:"status"`
}

// Committed reports whether the record is gone from the store.
func (r DeleteResult) Committed() bool {
	return r.Status == DeleteDeleted || r.Status == DeleteNotFound
}
