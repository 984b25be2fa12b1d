package matrix

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind says why a TransientError happened.
type Kind int

const (
	// KindConnectivity covers DNS failures, refused or reset connections,
	// unreachable hosts and network timeouts.
	KindConnectivity Kind = iota
	// KindTLS covers handshake and certificate failures.
	KindTLS
	// KindServer covers 429 and 5xx responses.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindTLS:
		return "tls"
	case KindServer:
		return "server"
	}

	return "unknown"
}

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Kind Kind
	Err  error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsConnectivity reports whether err is a transient connectivity or TLS
// failure: the request never got a server answer and is worth replaying
// once the network is back.
func IsConnectivity(err error) bool {
	var te *TransientError
	if !errors.As(err, &te) {
		return false
	}

	return te.Kind == KindConnectivity || te.Kind == KindTLS
}

// HTTPError is a non-2xx response from the homeserver. ErrCode and
// Message come from the standard {"errcode","error"} body when present.
type HTTPError struct {
	StatusCode int
	ErrCode    string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("homeserver returned %d %s: %s", e.StatusCode, e.ErrCode, e.Message)
	}

	return fmt.Sprintf("homeserver returned %d: %s", e.StatusCode, e.Message)
}

// IsPermanent reports whether err means the session itself is unusable,
// so retrying with the same credentials is pointless.
func IsPermanent(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}

	switch he.ErrCode {
	case "M_UNKNOWN_TOKEN", "M_MISSING_TOKEN", "M_FORBIDDEN", "M_USER_DEACTIVATED":
		return true
	}

	return he.StatusCode == http.StatusUnauthorized
}

// classifyTransportError decides whether an error returned by
// http.Client.Do is a connectivity or TLS failure. Anything else (a
// failing request body, a cancelled context) is returned unchanged.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if isTLSError(err) {
		return &TransientError{Kind: KindTLS, Err: err}
	}

	if isConnectivityError(err) {
		return &TransientError{Kind: KindConnectivity, Err: err}
	}

	return err
}

func isTLSError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)

	return errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}

func isConnectivityError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
