package router

import (
	"net/http"

	"github.com/patric-chuzhbe/elib/internal/models"
)

// PostApiusersregister creates an account and returns its first token pair.
func (router *Router) PostApiusersregister(response http.ResponseWriter, request *http.Request) {
	var requestDTO models.RegisterRequest
	if err := decodeJSON(request, &requestDTO); err != nil {
		router.respondError(response, request, err)
		return
	}

	usr, err := router.credentials.Register(request.Context(), requestDTO.Name, requestDTO.Email, requestDTO.Password)
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	tokens, err := router.credentials.IssueTokenPair(request.Context(), usr)
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	router.respondJSON(response, http.StatusCreated, models.RegisterResponse{
		ID:           usr.ID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	})
}

// PostApiuserslogin checks the credentials and issues a new token pair,
// revoking the previously issued refresh token.
func (router *Router) PostApiuserslogin(response http.ResponseWriter, request *http.Request) {
	var requestDTO models.LoginRequest
	if err := decodeJSON(request, &requestDTO); err != nil {
		router.respondError(response, request, err)
		return
	}

	usr, err := router.credentials.Authenticate(request.Context(), requestDTO.Email, requestDTO.Password)
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	tokens, err := router.credentials.IssueTokenPair(request.Context(), usr)
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	router.respondJSON(response, http.StatusOK, tokens)
}

// PostApiusersrefreshtoken exchanges the current refresh token for a new access token.
func (router *Router) PostApiusersrefreshtoken(response http.ResponseWriter, request *http.Request) {
	var requestDTO models.RefreshTokenRequest
	if err := decodeJSON(request, &requestDTO); err != nil {
		router.respondError(response, request, err)
		return
	}

	accessToken, err := router.credentials.RotateAccessToken(request.Context(), requestDTO.RefreshToken)
	if err != nil {
		router.respondError(response, request, err)
		return
	}

	router.respondJSON(response, http.StatusOK, models.AccessTokenResponse{AccessToken: accessToken})
}
