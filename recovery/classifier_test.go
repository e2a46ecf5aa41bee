package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("HTTP %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

func TestClassifier_Classify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "context cancelled", err: fmt.Errorf("do request: %w", context.Canceled), want: Cancelled},
		{name: "cancel sentinel", err: ErrCancelled, want: Cancelled},
		{name: "deadline", err: context.DeadlineExceeded, want: Timeout},
		{name: "hung upload", err: fmt.Errorf("%w: chunk 3", ErrHung), want: Timeout},
		{name: "url timeout", err: &url.Error{Op: "Put", URL: "http://x", Err: &net.DNSError{IsTimeout: true}}, want: Timeout},
		{name: "request timeout status", err: statusErr{408}, want: Timeout},
		{name: "payload too large", err: statusErr{413}, want: ClientRejected},
		{name: "forbidden", err: statusErr{403}, want: Permission},
		{name: "too many requests", err: statusErr{429}, want: Server},
		{name: "bad gateway", err: statusErr{502}, want: Server},
		{name: "insufficient storage", err: statusErr{507}, want: Storage},
		{name: "s3 slow down", err: &smithy.GenericAPIError{Code: "SlowDown"}, want: Server},
		{name: "s3 access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}, want: Permission},
		{name: "s3 no such upload", err: &smithy.GenericAPIError{Code: "NoSuchUpload"}, want: ClientRejected},
		{name: "s3 server fault", err: &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultServer}, want: Server},
		{name: "permission", err: &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, want: Permission},
		{name: "disk full", err: &fs.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}, want: Storage},
		{name: "missing file", err: fs.ErrNotExist, want: Storage},
		{name: "connection reset", err: &net.OpError{Op: "read", Err: syscall.ECONNRESET}, want: Network},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: Network},
		{name: "url error", err: &url.Error{Op: "Put", URL: "http://x", Err: errors.New("boom")}, want: Network},
		{name: "message quota", err: errors.New("storage quota exceeded"), want: Storage},
		{name: "message network", err: errors.New("network is unreachable"), want: Network},
		{name: "unknown", err: errors.New("something odd"), want: Unknown},
	}

	c := NewClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.err, Context{})
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, tt.want.Retryable(), got.Retryable)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifier_Deterministic(t *testing.T) {
	c := NewClassifier()
	err := statusErr{503}
	first := c.Classify(err, ForChunk(2, 1, nil))
	for i := 0; i < 10; i++ {
		got := c.Classify(err, ForChunk(2, 1, nil))
		assert.Equal(t, first.Kind, got.Kind)
		assert.Equal(t, first.Message, got.Message)
	}
	assert.Equal(t, 503, first.StatusCode)
	require.NotNil(t, first.ChunkIndex)
	assert.Equal(t, uint32(2), *first.ChunkIndex)
	assert.Equal(t, uint32(1), first.RetryCount)
}

func TestClassifier_NilError(t *testing.T) {
	assert.Nil(t, NewClassifier().Classify(nil, Context{}))
}

func TestClassifier_CustomRuleRunsFirst(t *testing.T) {
	c := NewClassifier()
	c.AddRule(Rule{Name: "teapot", Match: func(err error) (ErrorKind, bool) {
		return Server, StatusCode(err) == 418
	}})

	assert.Equal(t, Server, c.Classify(statusErr{418}, Context{}).Kind)
	assert.Equal(t, ClientRejected, c.Classify(statusErr{400}, Context{}).Kind)
}

func TestClassifier_ReclassifyKeepsHistory(t *testing.T) {
	c := NewClassifier()
	original := c.Classify(statusErr{500}, Context{})
	original.AppendAttempt(RecoveryAttempt{Strategy: "server_backoff"})

	history := []RecoveryAttempt{{Strategy: "earlier"}}
	got := c.Classify(fmt.Errorf("merge: %w", original), ForChunk(1, 3, history))

	assert.Equal(t, Server, got.Kind)
	assert.Equal(t, uint32(3), got.RetryCount)
	require.Len(t, got.RecoveryAttempts, 2)
	assert.Equal(t, "earlier", got.RecoveryAttempts[0].Strategy)
	assert.Len(t, original.RecoveryAttempts, 1)
}
