// Package errs defines the orchestrator's error taxonomy. Every error carries a
// Kind and a retryable flag; the job store uses the flag to decide between
// redelivery and dead-lettering.
package errs

import (
	"errors"
	"fmt"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Kind classifies an orchestrator failure.
type Kind string

const (
	KindDatabaseConnectionFailed    Kind = "DATABASE_CONNECTION_FAILED"
	KindKubernetesAPI               Kind = "KUBERNETES_API_ERROR"
	KindDeploymentCreateFailed      Kind = "DEPLOYMENT_CREATE_FAILED"
	KindDeploymentScaleFailed       Kind = "DEPLOYMENT_SCALE_FAILED"
	KindDeploymentDeleteFailed      Kind = "DEPLOYMENT_DELETE_FAILED"
	KindQueueJobProcessingFailed    Kind = "QUEUE_JOB_PROCESSING_FAILED"
	KindUserCredentialsCreateFailed Kind = "USER_CREDENTIALS_CREATE_FAILED"
	KindSecretCreateFailed          Kind = "SECRET_CREATE_FAILED"
	KindInvalidConfiguration        Kind = "INVALID_CONFIGURATION"
	KindRateLimited                 Kind = "RATE_LIMITED"
)

// retryableByDefault lists the kinds that are retried unless the cause says otherwise.
var retryableByDefault = map[Kind]bool{
	KindDatabaseConnectionFailed:    true,
	KindDeploymentCreateFailed:      true,
	KindDeploymentScaleFailed:       true,
	KindDeploymentDeleteFailed:      true,
	KindQueueJobProcessingFailed:    true,
	KindUserCredentialsCreateFailed: true,
	KindSecretCreateFailed:          true,
	KindRateLimited:                 true,
}

// Error is a classified failure. Resource names the object involved, usually a
// deployment name, and may be empty.
type Error struct {
	Kind      Kind
	Op        string
	Resource  string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Op
	if e.Resource != "" {
		msg += " " + e.Resource
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind from a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Retryable: retryableByDefault[kind], Err: errors.New(msg)}
}

// Wrap classifies err. A cause that is itself a non-retryable *Error keeps the
// wrapper non-retryable so permanent failures are not redelivered.
func Wrap(kind Kind, op, resource string, err error) *Error {
	retryable := retryableByDefault[kind]
	var inner *Error
	if errors.As(err, &inner) && !inner.Retryable {
		retryable = false
	}
	return &Error{Kind: kind, Op: op, Resource: resource, Retryable: retryable, Err: err}
}

// Kubernetes classifies an API server error. Only server-side (5xx) and
// transport failures are retryable; 4xx such as Forbidden are permanent.
func Kubernetes(op, resource string, err error) *Error {
	return &Error{
		Kind:      KindKubernetesAPI,
		Op:        op,
		Resource:  resource,
		Retryable: kubernetesRetryable(err),
		Err:       err,
	}
}

func kubernetesRetryable(err error) bool {
	var status apierrors.APIStatus
	if !errors.As(err, &status) {
		return true
	}
	code := status.Status().Code
	if code == 0 {
		return true
	}
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests || apierrors.IsConflict(err)
}

// KindOf returns the kind of the outermost *Error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any *Error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// IsRetryable reports whether err should be retried. Unclassified errors are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// Errorf is shorthand for Wrap around a formatted error.
func Errorf(kind Kind, op, resource, format string, args ...any) *Error {
	return Wrap(kind, op, resource, fmt.Errorf(format, args...))
}
