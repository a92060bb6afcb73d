package api

import (
	"net/http"

	"chat_server/server/chat/domain"
	"chat_server/server/common/transport/httpresp"
)

const (
	ErrUnauthorized       = httpresp.ErrUnauthorized
	ErrMissingBearerToken = httpresp.ErrMissingBearerToken
	ErrInvalidToken       = httpresp.ErrInvalidToken
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse
type IDResponse = httpresp.IDResponse
type URLResponse = httpresp.URLResponse
type TokenResponse = httpresp.TokenResponse

type HealthResponse struct {
	Status string `json:"status"`
}

type AuthResponse struct {
	AccessToken string      `json:"access_token"`
	User        domain.User `json:"user"`
}

type PaginatedResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type UnreadCountResponse struct {
	UserID      string `json:"user_id"`
	UnreadCount int64  `json:"unread_count"`
}

type PresignResponse struct {
	ObjectKey string `json:"object_key"`
	UploadURL string `json:"upload_url"`
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewOKResponse() OKResponse {
	return httpresp.NewOKResponse()
}

func NewIDResponse(id string) IDResponse {
	return httpresp.NewIDResponse(id)
}

func NewURLResponse(url string) URLResponse {
	return httpresp.NewURLResponse(url)
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}

func NewAuthResponse(accessToken string, user domain.User) AuthResponse {
	return AuthResponse{AccessToken: accessToken, User: user}
}

func NewPaginatedResponse[T any](items []T, nextCursor string) PaginatedResponse[T] {
	return PaginatedResponse[T]{Items: items, NextCursor: nextCursor}
}

// statusOf maps a domain error kind onto the HTTP surface.
func statusOf(err error) int {
	switch domain.KindOf(err) {
	case domain.KindAuthentication:
		return http.StatusUnauthorized
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
