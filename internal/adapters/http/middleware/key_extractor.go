package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/JeanGrijp/admission-controller/internal/core/domain"
)

// KeyExtractor deriva da requisição a identidade usada no controle de admissão.
type KeyExtractor interface {
	Extract(r *http.Request) domain.AdmissionRequest
}

// HeaderKeyExtractor lê o token de TokenHeader e o IP do endereço remoto.
// X-Forwarded-For e X-Real-IP só são considerados com TrustProxyHeaders,
// pois qualquer cliente pode forjá-los.
type HeaderKeyExtractor struct {
	TokenHeader       string
	TrustProxyHeaders bool
}

func (e HeaderKeyExtractor) Extract(r *http.Request) domain.AdmissionRequest {
	var token string
	if e.TokenHeader != "" {
		token = strings.TrimSpace(r.Header.Get(e.TokenHeader))
	}
	return domain.AdmissionRequest{IP: e.extractIP(r), Token: token}
}

func (e HeaderKeyExtractor) extractIP(r *http.Request) string {
	if e.TrustProxyHeaders {
		xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
		if xForwardedFor != "" {
			first, _, _ := strings.Cut(xForwardedFor, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}

		xRealIP := strings.TrimSpace(r.Header.Get("X-Real-IP"))
		if xRealIP != "" {
			return xRealIP
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}

	return host
}
