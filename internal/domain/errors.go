package domain

import "errors"

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrAccessDenied           = errors.New("access denied")
	ErrAlreadyPending         = errors.New("collaboration request already pending")
	ErrAlreadyDecided         = errors.New("collaboration request already decided")
	ErrNotFound               = errors.New("not found")
	ErrForbidden              = errors.New("forbidden")
	ErrNotApplicable          = errors.New("collaboration request not applicable")
	ErrPersistence            = errors.New("persistence failure")
	ErrMalformedEvent         = errors.New("malformed event")
)
