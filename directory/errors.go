package directory

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// StatusCode returns the HTTP status of a Discord REST error, or 0 for any other error
func StatusCode(err error) int {
	var restErr *discordgo.RESTError

	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode
	}

	return 0
}

func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

func IsForbidden(err error) bool {
	return StatusCode(err) == http.StatusForbidden
}

// IsRecoverable returns whether err is a failed request to Discord. Such failures only
// affect the item being processed
func IsRecoverable(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr)
}

// Suppress drops recoverable errors
func Suppress(err error) error {
	if err == nil || IsRecoverable(err) {
		return nil
	}

	return err
}
