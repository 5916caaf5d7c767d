// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist,
	// including a remote calendar event whose id resolves to a 404.
	ErrNotFound = errors.New("not found")

	// ErrNotConnected indicates there is no usable Google session:
	// no stored credentials, or a refresh that failed and cleared them.
	ErrNotConnected = errors.New("not connected")

	// ErrSyncInProgress indicates a sync pass was requested while another
	// pass is still running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNotConfigured indicates required OAuth settings (client id,
	// redirect URI, proxy URL) are missing.
	ErrNotConfigured = errors.New("not configured")
)
