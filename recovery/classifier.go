package recovery

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/aws/smithy-go"
)

// Context describes where a raw failure happened.
type Context struct {
	ChunkIndex *uint32
	RetryCount uint32
	History    []RecoveryAttempt
}

// ForChunk returns a Context for the given chunk.
func ForChunk(index, retryCount uint32, history []RecoveryAttempt) Context {
	i := index
	return Context{ChunkIndex: &i, RetryCount: retryCount, History: history}
}

// Rule maps a raw error to an ErrorKind. Match returns false when the rule
// does not apply.
type Rule struct {
	Name  string
	Match func(err error) (ErrorKind, bool)
}

// Classifier applies rules in a fixed order, so identical inputs always yield
// the same kind. Custom rules run before the defaults, in insertion order.
type Classifier struct {
	mu     sync.RWMutex
	custom []Rule
}

// NewClassifier creates a Classifier with the default rule set.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// AddRule registers a custom rule.
func (c *Classifier) AddRule(rule Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom = append(c.custom, rule)
}

// Classify converts err into a ClassifiedError. A nil err yields nil.
func (c *Classifier) Classify(err error, cctx Context) *ClassifiedError {
	if err == nil {
		return nil
	}

	history := append([]RecoveryAttempt(nil), cctx.History...)

	if existing, ok := AsClassified(err); ok {
		classified := *existing
		if cctx.ChunkIndex != nil {
			classified.ChunkIndex = copyIndex(cctx.ChunkIndex)
		}
		classified.RetryCount = cctx.RetryCount
		classified.RecoveryAttempts = append(history, existing.RecoveryAttempts...)
		return &classified
	}

	kind := Unknown
	for _, rule := range c.rules() {
		if k, ok := rule.Match(err); ok {
			kind = k
			break
		}
	}

	return &ClassifiedError{
		Kind:             kind,
		Message:          err.Error(),
		Retryable:        kind.Retryable(),
		StatusCode:       StatusCode(err),
		ChunkIndex:       copyIndex(cctx.ChunkIndex),
		RetryCount:       cctx.RetryCount,
		RecoveryAttempts: history,
		Err:              err,
	}
}

func (c *Classifier) rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rules := make([]Rule, 0, len(c.custom)+len(defaultRules))
	rules = append(rules, c.custom...)
	return append(rules, defaultRules...)
}

func copyIndex(i *uint32) *uint32 {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

var defaultRules = []Rule{
	{Name: "cancelled", Match: matchCancelled},
	{Name: "timeout", Match: matchTimeout},
	{Name: "http_status", Match: matchStatus},
	{Name: "api_code", Match: matchAPICode},
	{Name: "filesystem", Match: matchFilesystem},
	{Name: "network", Match: matchNetwork},
	{Name: "message", Match: matchMessage},
}

type statusCoder interface {
	StatusCode() int
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// StatusCode returns the HTTP status code carried by err, or 0.
func StatusCode(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	var hsc httpStatusCoder
	if errors.As(err, &hsc) {
		return hsc.HTTPStatusCode()
	}
	return 0
}

func matchCancelled(err error) (ErrorKind, bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return Cancelled, true
	}
	return Unknown, false
}

func matchTimeout(err error) (ErrorKind, bool) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, ErrHung) {
		return Timeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout, true
	}
	return Unknown, false
}

func matchStatus(err error) (ErrorKind, bool) {
	code := StatusCode(err)
	if code == 0 {
		return Unknown, false
	}
	kind := KindForStatus(code)
	return kind, kind != Unknown
}

func matchAPICode(err error) (ErrorKind, bool) {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return Unknown, false
	}

	switch apiErr.ErrorCode() {
	case "RequestTimeout", "RequestTimeoutException":
		return Timeout, true
	case "SlowDown", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException":
		return Server, true
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return Permission, true
	case "NoSuchBucket", "NoSuchUpload", "NoSuchKey", "EntityTooLarge", "EntityTooSmall",
		"InvalidPart", "InvalidPartOrder", "InvalidArgument", "InvalidRequest":
		return ClientRejected, true
	case "QuotaExceeded", "ServiceQuotaExceededException":
		return Storage, true
	}

	if apiErr.ErrorFault() == smithy.FaultServer {
		return Server, true
	}
	return Unknown, false
}

func matchFilesystem(err error) (ErrorKind, bool) {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return Permission, true
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, fs.ErrNotExist):
		return Storage, true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return Storage, true
	}
	return Unknown, false
}

func matchNetwork(err error) (ErrorKind, bool) {
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed):
		return Network, true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Network, true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Network, true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Network, true
	}
	return Unknown, false
}

var messagePatterns = []struct {
	pattern string
	kind    ErrorKind
}{
	{"timed out", Timeout},
	{"timeout", Timeout},
	{"connection reset", Network},
	{"connection refused", Network},
	{"no such host", Network},
	{"broken pipe", Network},
	{"network", Network},
	{"quota", Storage},
	{"no space left", Storage},
	{"permission denied", Permission},
	{"forbidden", Permission},
	{"unauthorized", Permission},
	{"cancel", Cancelled},
}

func matchMessage(err error) (ErrorKind, bool) {
	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		if strings.Contains(msg, p.pattern) {
			return p.kind, true
		}
	}
	return Unknown, false
}
