package base

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/tabulify/tabulify/pkg/errors"
)

// Message fragments that drivers use when they do not expose a typed error.
var (
	connectionLostPatterns = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"i/o timeout",
		"server closed",
		"unexpected eof",
		"network is unreachable",
		"no such host",
	}
	authorizationPatterns = []string{
		"invalid credentials",
		"unauthorized",
		"permission denied",
		"access denied",
		"authentication failed",
		"login failed",
	}
	schemaMismatchPatterns = []string{
		"no such table",
		"no such column",
		"does not exist",
		"unknown column",
		"invalid object name",
		"invalid column name",
		"has no column named",
	}
)

// ClassifyError wraps a backend failure with the taxonomy type it belongs
// to. Errors that already carry a category are returned unchanged.
func ClassifyError(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.CategoryOf(err) != "" {
		return err
	}
	return errors.Wrap(err, ErrorTypeOf(err), message)
}

// ErrorTypeOf guesses the taxonomy type of an untyped error.
func ErrorTypeOf(err error) errors.ErrorType {
	switch {
	case stderrors.Is(err, context.Canceled):
		return errors.ErrorTypeCancelled
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.ErrorTypeTimeout
	case IsConnectionError(err):
		return errors.ErrorTypeConnectionLost
	}

	msg := strings.ToLower(err.Error())
	for _, p := range authorizationPatterns {
		if strings.Contains(msg, p) {
			return errors.ErrorTypeAuthorizationDenied
		}
	}
	for _, p := range schemaMismatchPatterns {
		if strings.Contains(msg, p) {
			return errors.ErrorTypeSchemaMismatch
		}
	}
	for _, p := range connectionLostPatterns {
		if strings.Contains(msg, p) {
			return errors.ErrorTypeConnectionLost
		}
	}
	return errors.ErrorTypeConnector
}

// IsConnectionError reports whether err means the backend went away.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, driver.ErrBadConn) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, net.ErrClosed) ||
		stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}
