// Package errors provides the relay's standardized error taxonomy,
// generalized from SeleniaProject-Orizon's internal/errors.StandardError
// (category/code/message/context/caller) to the categories spec.md §7
// assigns: transient I/O, peer-closed, protocol, policy, resolver, reactor,
// and bind failures.
package errors

import (
	"fmt"
	"runtime"
)

// Category classifies a RelayError per spec.md §7.
type Category string

const (
	// CategoryTransient covers EAGAIN/EWOULDBLOCK/EINPROGRESS/ETIMEDOUT on
	// a read: never logged as an error, retried implicitly by remaining
	// registered for readiness.
	CategoryTransient Category = "TRANSIENT"
	// CategoryPeerClosed covers an empty read or EPIPE: destroys the
	// handler, relay continues.
	CategoryPeerClosed Category = "PEER_CLOSED"
	// CategoryProtocol covers a bad SOCKS greeting, bad header, unknown
	// CMD, or decrypt failure.
	CategoryProtocol Category = "PROTOCOL"
	// CategoryPolicy covers a forbidden-IP hit.
	CategoryPolicy Category = "POLICY"
	// CategoryResolver covers a DNS resolution failure.
	CategoryResolver Category = "RESOLVER"
	// CategoryReactor covers a fatal listen-socket error.
	CategoryReactor Category = "REACTOR"
	// CategoryBind covers a construction-time bind failure, fatal to the relay.
	CategoryBind Category = "BIND"
)

// RelayError is the standardized error shape used across the relay.
type RelayError struct {
	Category Category
	Code     string
	Message  string
	Context  map[string]any
	Caller   string
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// New creates a RelayError, capturing the immediate caller for diagnostics.
func New(category Category, code, message string, context map[string]any) *RelayError {
	pc, _, _, ok := runtime.Caller(1)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}
	return &RelayError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Wrap classifies an arbitrary lower-level error (a syscall errno, an
// io.EOF, a resolver failure) into a RelayError of the given category.
func Wrap(category Category, code string, err error, context map[string]any) *RelayError {
	if context == nil {
		context = map[string]any{}
	}
	context["cause"] = err
	pc, _, _, ok := runtime.Caller(1)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}
	msg := code
	if err != nil {
		msg = err.Error()
	}
	return &RelayError{Category: category, Code: code, Message: msg, Context: context, Caller: caller}
}

// ForbiddenIP reports a connect attempt to a policy-blocked destination.
func ForbiddenIP(ip string) *RelayError {
	return New(CategoryPolicy, "FORBIDDEN_IP",
		fmt.Sprintf("IP %s is in the forbidden list, reject", ip),
		map[string]any{"ip": ip})
}

// BadHeader reports a header the parser could not decode.
func BadHeader(reason string) *RelayError {
	return New(CategoryProtocol, "BAD_HEADER", reason, nil)
}

// UnknownCommand reports an unsupported SOCKS CMD byte.
func UnknownCommand(cmd byte) *RelayError {
	return New(CategoryProtocol, "UNKNOWN_COMMAND",
		fmt.Sprintf("unknown command %#x", cmd),
		map[string]any{"cmd": cmd})
}
