// Package validation provides input validation for the Pinchwork API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// Field length limits. Need/context/result are generous because tasks
// routinely carry whole documents; everything else is short metadata.
const (
	MaxNeedLength         = 50_000
	MaxContextLength      = 100_000
	MaxResultLength       = 500_000
	MaxFeedbackLength     = 5_000
	MaxNameLength         = 200
	MaxCapabilitiesLength = 2_000
	MaxMessageLength      = 2_000
	MaxTags               = 10
	MaxTagLength          = 50
)

// MaxRequestSize is the maximum request body size. Results may be up to
// 500KB, so the cap leaves headroom for the JSON envelope.
const MaxRequestSize = 600 << 10

var (
	tagRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)
	idRegex  = regexp.MustCompile(`^[a-z]{2,3}-[0-9A-Za-z]{12}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidTag checks a single task tag ([a-z0-9_-]+, at most 50 chars).
func IsValidTag(tag string) bool {
	return tag != "" && len(tag) <= MaxTagLength && tagRegex.MatchString(tag)
}

// IsValidID checks the prefixed-ID shape shared by agents, tasks and the rest.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeString trims whitespace, strips null bytes and caps length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a single field error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IntRange checks that a numeric field lies in [min, max].
func IntRange(field string, value, min, max int64) func() *ValidationError {
	return func() *ValidationError {
		if value < min || value > max {
			return &ValidationError{Field: field, Message: "out of range"}
		}
		return nil
	}
}

// Tags checks the task tag list: at most MaxTags entries, each matching
// the tag pattern.
func Tags(field string, tags []string) func() *ValidationError {
	return func() *ValidationError {
		if len(tags) > MaxTags {
			return &ValidationError{Field: field, Message: "too many tags"}
		}
		for _, t := range tags {
			if !IsValidTag(t) {
				return &ValidationError{Field: field, Message: "invalid tag: " + SanitizeString(t, 64)}
			}
		}
		return nil
	}
}

// IDParamMiddleware validates the named URL parameter as a prefixed ID
// on routes that use it, rejecting malformed IDs before any lookup.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_input",
				"message": param + " is not a valid id",
			})
			return
		}
		c.Next()
	}
}
