package app

import (
	"errors"

	"bookbuddy/pkg/workflow"
)

var (
	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")

	// ErrTitleRequired is shared with the add-book workflow so both surfaces
	// report a blank title the same way.
	ErrTitleRequired = workflow.ErrTitleRequired
	ErrBookNotFound  = errors.New("book not found")
	// ErrForbidden is returned when a book belongs to another identity.
	ErrForbidden = errors.New("book belongs to another identity")

	ErrMediaNotFound = errors.New("media not found")
	ErrForeignMedia  = errors.New("media url outside the caller's namespace")
)
