package handlers

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"os"
	"strings"

	utls "github.com/refraction-networking/utls"

	"github.com/snatchdl/snatch/request"
	"github.com/snatchdl/snatch/socks"
)

// normalizeError maps a raw transport failure into the stable error set.
// Already-normalized errors pass through untouched.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	if request.IsRequestError(err) {
		return err
	}

	// url.Error wrappers from net/http hide the interesting cause.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if inner := normalizeError(uerr.Err); inner != uerr.Err {
			return inner
		}
	}

	var replyErr *socks.ReplyError
	if errors.As(err, &replyErr) {
		return &request.ProxyError{Cause: replyErr}
	}

	if isCertVerifyError(err) {
		return &request.CertificateVerifyError{Cause: err}
	}
	if isTLSError(err) {
		return &request.SSLError{Cause: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &request.TransportError{Msg: "timed out", Cause: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &request.TransportError{Msg: "timed out", Cause: err}
	}

	return &request.TransportError{Cause: err}
}

func isCertVerifyError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verify           *tls.CertificateVerificationError
		uverify          *utls.CertificateVerificationError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &verify) ||
		errors.As(err, &uverify)
}

func isTLSError(err error) bool {
	var (
		recordHeader  tls.RecordHeaderError
		urecordHeader utls.RecordHeaderError
		alert         tls.AlertError
	)
	if errors.As(err, &recordHeader) || errors.As(err, &urecordHeader) || errors.As(err, &alert) {
		return true
	}
	// Handshake failures from both stacks surface as opaque errors with a
	// "tls:" prefix somewhere in the chain.
	return strings.Contains(err.Error(), "tls:")
}

// normalizeResponse converts a terminal non-2xx status into an HTTPError
// carrying the response. Redirect statuses that survive to the caller were
// either unfollowable or exceeded the chain limit.
func normalizeResponse(resp *request.Response, redirectLoop bool) (*request.Response, error) {
	if resp.Status >= 200 && resp.Status < 300 {
		return resp, nil
	}
	return nil, &request.HTTPError{Response: resp, RedirectLoop: redirectLoop}
}
