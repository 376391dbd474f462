// Package validation provides request validation middleware for the scoring API.
package validation

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxIDLength bounds transaction, record and model identifiers.
const MaxIDLength = 128

// idRegex matches identifiers accepted in URL parameters.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is usable as an identifier in a URL.
func IsValidID(s string) bool {
	return len(s) > 0 && len(s) <= MaxIDLength && idRegex.MatchString(s)
}

// IDParamMiddleware validates the named URL parameters on routes that use
// them. Absent parameters are ignored.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range params {
			v := c.Param(name)
			if v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_" + name,
					"message": name + " must be 1-128 characters of letters, digits, '.', '_', ':' or '-'",
				})
				return
			}
		}
		c.Next()
	}
}

// StreamParam parses the :stream parameter as an index in [0, streams).
func StreamParam(c *gin.Context, streams int) (int, bool) {
	n, err := strconv.Atoi(c.Param("stream"))
	if err != nil || n < 0 || n >= streams {
		return 0, false
	}
	return n, true
}
