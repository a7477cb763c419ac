package middleware

import (
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const viewerKey = "viewer_id"

// ViewerID returns the authenticated viewer, or "" when the request passed
// no JWTAuth middleware.
func ViewerID(c echo.Context) string {
	if v, ok := c.Get(viewerKey).(string); ok {
		return v
	}
	return ""
}

// subject reads "sub", falling back to "user_id".  Numeric ids issued by
// the back office arrive as JSON numbers.
func subject(claims jwt.MapClaims) string {
	for _, k := range []string{"sub", "user_id"} {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
