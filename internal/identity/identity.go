// Package identity reads the signed-in user out of an access token.
//
// The token is decoded without verifying its signature. The client never
// holds the signing key; the backend verifies every request.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

var parser = jwt.NewParser()

// Decode returns the user named by token, rejecting tokens that have
// already expired.
func Decode(token string) (models.User, error) {
	return DecodeAt(token, time.Now())
}

// DecodeAt is Decode with an explicit clock.
func DecodeAt(token string, now time.Time) (models.User, error) {
	if token == "" {
		return models.User{}, fmt.Errorf("%w: empty access token", apperrors.ErrAuth)
	}

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return models.User{}, fmt.Errorf("%w: decoding access token: %w", apperrors.ErrAuth, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return models.User{}, fmt.Errorf("%w: reading exp claim: %w", apperrors.ErrAuth, err)
	}

	if exp != nil && !now.Before(exp.Time) {
		return models.User{}, fmt.Errorf("%w: access token expired at %s", apperrors.ErrAuth, exp.Time.UTC().Format(time.RFC3339))
	}

	user := models.User{
		ID:       claimString(claims["id"]),
		Username: claimString(claims["username"]),
	}

	switch {
	case user.ID == "":
		return models.User{}, fmt.Errorf("%w: access token has no id claim", apperrors.ErrAuth)
	case user.Username == "":
		return models.User{}, fmt.Errorf("%w: access token has no username claim", apperrors.ErrAuth)
	}

	return user, nil
}

// Expired reports whether token is unreadable or past its exp claim.
func Expired(token string, now time.Time) bool {
	_, err := DecodeAt(token, now)
	return errors.Is(err, apperrors.ErrAuth)
}

// claimString renders a string or numeric claim. JSON numbers arrive as
// float64.
func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	}

	return ""
}
