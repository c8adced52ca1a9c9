package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

// defaultTokenLifetime is assumed when neither the token response nor the
// access token carry an expiry.
const defaultTokenLifetime = time.Hour

func unverifiedClaims(token string) (jwt.MapClaims, bool) {
	if token == "" {
		return nil, false
	}
	claims := jwt.MapClaims{}
	// the tokens are only read for hints, the API verifies them
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// ExpiryFromJWT returns the exp claim of a JWT without verifying it.
func ExpiryFromJWT(token string) (time.Time, bool) {
	claims, ok := unverifiedClaims(token)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// EmailFromIDToken returns the email claim of an ID token without verifying it.
func EmailFromIDToken(idToken string) string {
	claims, ok := unverifiedClaims(idToken)
	if !ok {
		return ""
	}
	email, _ := claims["email"].(string)
	return email
}

// expiryFor picks the expiry of an access token: the explicit one if known,
// then its exp claim, then the default lifetime.
func expiryFor(accessToken string, explicit, now time.Time) time.Time {
	if !explicit.IsZero() {
		return explicit
	}
	if exp, ok := ExpiryFromJWT(accessToken); ok {
		return exp
	}
	return now.Add(defaultTokenLifetime)
}

// tokenSetFromOAuth converts a token response. Fields missing from the
// response keep their previous values.
func tokenSetFromOAuth(tok *oauth2.Token, prev types.TokenSet, now time.Time) types.TokenSet {
	ts := types.TokenSet{
		AccessToken:  tok.AccessToken,
		IDToken:      prev.IDToken,
		RefreshToken: tok.RefreshToken,
	}
	if id, ok := tok.Extra("id_token").(string); ok && id != "" {
		ts.IDToken = id
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = prev.RefreshToken
	}
	ts.Expiry = expiryFor(ts.AccessToken, tok.Expiry, now)
	return ts
}
