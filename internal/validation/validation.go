// Package validation provides request validation helpers for the Atelier API.
package validation

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/atelier/internal/idgen"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// MaxURLLength bounds image references.
const MaxURLLength = 2048

var (
	// resourceIDRegex matches the prefixed IDs handed out by idgen
	resourceIDRegex = regexp.MustCompile(`^[a-z]{2}_[a-f0-9]{32}$`)
	// userIDRegex matches subject claims from the identity provider
	userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.@|]{1,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidResourceID checks that id was minted by idgen with prefix, such as
// "ct_<hex>" for prefix "ct_".
func IsValidResourceID(id, prefix string) bool {
	return resourceIDRegex.MatchString(id) && idgen.HasPrefix(id, prefix)
}

// IsValidUserID checks a user identifier.
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// IsValidImageURL accepts absolute http(s) URLs.
func IsValidImageURL(s string) bool {
	if len(s) > MaxURLLength {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidUserID checks an optional user identifier field.
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be a valid user id"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ImageURLs checks a list of image references.
func ImageURLs(field string, values []string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(values) > max {
			return &ValidationError{Field: field, Message: "too many images"}
		}
		for _, v := range values {
			if !IsValidImageURL(v) {
				return &ValidationError{Field: field, Message: "must contain absolute http(s) URLs"}
			}
		}
		return nil
	}
}

// IDParamMiddleware rejects :id URL parameters that are malformed or carry
// another resource kind's prefix.
func IDParamMiddleware(prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidResourceID(id, prefix) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be a " + prefix + " resource id",
			})
			return
		}
		c.Next()
	}
}
