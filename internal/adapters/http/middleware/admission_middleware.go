// Package middleware disponibiliza middlewares HTTP específicos da aplicação.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/JeanGrijp/admission-controller/internal/core/domain"
	"github.com/JeanGrijp/admission-controller/internal/core/ports"
	"github.com/JeanGrijp/admission-controller/internal/logging"
)

const rateLimitExceededMessage = "you have reached the maximum number of requests or actions allowed within a certain time frame"

// NewAdmissionMiddleware responde 429 com Retry-After quando a admissão é negada.
func NewAdmissionMiddleware(admitter ports.Admitter, extractor KeyExtractor) func(http.Handler) http.Handler {
	if extractor == nil {
		extractor = HeaderKeyExtractor{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if admitter == nil {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := admitter.Allow(r.Context(), extractor.Extract(r))
			if err != nil {
				if domain.IsRateLimitedError(err) {
					logging.FromContext(r.Context()).Info("request rejected",
						"key", decision.Key, "retry_after", decision.RetryAfter.String())
					writeTooManyRequests(w, decision)
					return
				}

				logging.FromContext(r.Context()).Error("admission check failed", "error", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			if !decision.Allowed {
				writeTooManyRequests(w, decision)
				return
			}

			setLimitHeaders(w, decision)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

func setLimitHeaders(w http.ResponseWriter, decision domain.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	if !decision.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}
}

// retryAfterSeconds arredonda para cima para que o cliente não volte antes do fim da janela.
func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func writeTooManyRequests(w http.ResponseWriter, decision domain.Decision) {
	setLimitHeaders(w, decision)
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(rateLimitExceededMessage))
}
