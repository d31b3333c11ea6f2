package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

var (
	ErrRateLimited = errors.New("превышен лимит запросов")
	ErrAuth        = errors.New("ошибка авторизации")
	ErrNetwork     = errors.New("сетевая ошибка")
	ErrRejected    = errors.New("запрос отклонён брокером")
)

type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindAuth
	KindNetwork
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is a broker failure carrying its kind, the operation and the broker's own code.
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code=%s)", e.Op, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() []error {
	errs := []error{}
	if s := sentinel(e.Kind); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func sentinel(k Kind) error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindAuth:
		return ErrAuth
	case KindNetwork:
		return ErrNetwork
	case KindRejected:
		return ErrRejected
	}
	return nil
}

// Classify maps any error to a Kind. Errors without a kind are inspected by message.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrRejected):
		return KindRejected
	}

	if isRateLimitMessage(err.Error()) {
		return KindRateLimited
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

// IsRateLimitMessage matches the broker's explicit throttling phrases.
func IsRateLimitMessage(msg string) bool {
	l := strings.ToLower(msg)
	return strings.Contains(l, "access rate") || strings.Contains(l, "too many requests")
}

// rateLimitStatus matches a 429 status mentioned in free text, not the digits inside prices or symbols.
var rateLimitStatus = regexp.MustCompile(`(?i)\b(?:http|status|code|error)\s*[:=]?\s*429\b`)

func isRateLimitMessage(msg string) bool {
	return IsRateLimitMessage(msg) || rateLimitStatus.MatchString(msg)
}
