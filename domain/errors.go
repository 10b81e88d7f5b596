package domain

import "errors"

var (
	ErrClientNotFound       = errors.New("client not found")
	ErrAuthCodeConsumed     = errors.New("authorization code not found, expired or already used")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenRotated  = errors.New("refresh token already rotated or revoked")
	ErrConsentNotFound      = errors.New("consent record not found")
	ErrUserNotFound         = errors.New("user not found")
)
