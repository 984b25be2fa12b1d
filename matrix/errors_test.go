package matrix

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind Kind
		want     bool
	}{
		{"dns", &net.DNSError{Err: "no such host", Name: "h"}, KindConnectivity, true},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindConnectivity, true},
		{"unreachable", fmt.Errorf("wrapped: %w", syscall.EHOSTUNREACH), KindConnectivity, true},
		{"deadline", &url.Error{Op: "Post", URL: "u", Err: context.DeadlineExceeded}, KindConnectivity, true},
		{"unknown authority", &url.Error{Op: "Get", URL: "u", Err: x509.UnknownAuthorityError{}}, KindTLS, true},
		{"hostname", x509.HostnameError{Host: "h"}, KindTLS, true},
		{"plain", errors.New("boom"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyTransportError(tt.err)

			var te *TransientError
			ok := errors.As(got, &te)
			assert.Equal(t, tt.want, ok)
			if ok {
				assert.Equal(t, tt.wantKind, te.Kind)
				assert.True(t, IsConnectivity(got))
			}
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyTransportError_CanceledIsNotTransient(t *testing.T) {
	got := classifyTransportError(&url.Error{Op: "Get", URL: "u", Err: context.Canceled})
	assert.False(t, IsTransient(got))
}

func TestClassifyTransportError_Nil(t *testing.T) {
	assert.NoError(t, classifyTransportError(nil))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(&HTTPError{StatusCode: 401, ErrCode: "M_UNKNOWN_TOKEN"}))
	assert.True(t, IsPermanent(fmt.Errorf("sync: %w", &HTTPError{StatusCode: 401})))
	assert.False(t, IsPermanent(&HTTPError{StatusCode: 404, ErrCode: "M_NOT_FOUND"}))
	assert.False(t, IsPermanent(errors.New("boom")))
}

func TestHTTPError_Message(t *testing.T) {
	assert.Equal(t, "homeserver returned 403 M_FORBIDDEN: nope", (&HTTPError{StatusCode: 403, ErrCode: "M_FORBIDDEN", Message: "nope"}).Error())
	assert.Equal(t, "homeserver returned 502: bad", (&HTTPError{StatusCode: 502, Message: "bad"}).Error())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "connectivity", KindConnectivity.String())
	assert.Equal(t, "tls", KindTLS.String())
	assert.Equal(t, "server", KindServer.String())
}
