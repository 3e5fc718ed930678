package stratum

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/samber/oops"
)

var (
	// ErrMalformedPayload marks a chunk that could not be deserialized into a
	// request. It is the only decode failure that feeds the banning policy, so
	// codecs must keep it distinguishable from every other error.
	ErrMalformedPayload = oops.New("malformed request payload")

	ErrNoEndpoints   = oops.New("no listen endpoints configured")
	ErrSessionClosed = oops.New("session is closed")
	ErrLineTooLong   = oops.New("request line exceeds configured maximum")
)

// isConnReset reports whether err is the peer abruptly dropping the
// connection. Resets are expected client behavior and never logged as errors.
func isConnReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	// Some platforms surface resets only as opaque *net.OpError strings.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		msg := opErr.Err.Error()
		return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
	}
	return false
}

// isBenignClose reports whether err is our own side closing the socket, the
// normal result of Disconnect or listener shutdown racing the read loop.
func isBenignClose(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
