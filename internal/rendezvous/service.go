// Package rendezvous defines the boundary to the external rendezvous service
// that provides federation-wide synchronization-point primitives. It stands
// in for the RTI ambassador: registration, achievement, liveness queries, and
// the asynchronous callbacks the service delivers back to the federate.
package rendezvous

import (
	"context"
	"errors"
	"fmt"

	"github.com/jasonlharvey/TrickHLA/internal/timebase"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/jasonlharvey/TrickHLA/internal/rendezvous Service

// FailureReason identifies why a rendezvous-service operation failed. The
// classification methods below replace the exception catch-lists the service
// protocol is usually described with.
type FailureReason string

const (
	// ReasonLabelNotUnique means another federate already registered the
	// label. For registration this is success from the federation's point of
	// view, just not ours.
	ReasonLabelNotUnique FailureReason = "label-not-unique"

	// ReasonNotAnnounced means the point has not been announced to this
	// federate yet, so it cannot be achieved on this attempt.
	ReasonNotAnnounced FailureReason = "sync-point-not-announced"

	// ReasonSaveInProgress means a federation save is running.
	ReasonSaveInProgress FailureReason = "save-in-progress"

	// ReasonRestoreInProgress means a federation restore is running.
	ReasonRestoreInProgress FailureReason = "restore-in-progress"

	// ReasonNotConnected means the connection to the service is down.
	ReasonNotConnected FailureReason = "not-connected"

	// ReasonInternalError is a transient fault inside the service.
	ReasonInternalError FailureReason = "internal-error"

	// ReasonUnknown is any failure the service did not classify.
	ReasonUnknown FailureReason = "unknown"
)

// RetryableAchieve reports whether an achieve failure with this reason is
// transient: the point is left unachieved and the caller's retry loop is
// expected to try again. Anything else is fatal for the run.
func (r FailureReason) RetryableAchieve() bool {
	switch r {
	case ReasonNotAnnounced, ReasonSaveInProgress, ReasonRestoreInProgress,
		ReasonNotConnected, ReasonInternalError:
		return true
	default:
		return false
	}
}

// Error is a structured failure from the rendezvous service.
type Error struct {
	Op     string
	Label  string
	Reason FailureReason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rendezvous %s %q: %s: %v", e.Op, e.Label, e.Reason, e.Err)
	}
	return fmt.Sprintf("rendezvous %s %q: %s", e.Op, e.Label, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the failure reason from an error returned by a Service.
// Errors that are not rendezvous errors classify as ReasonUnknown.
func ReasonOf(err error) FailureReason {
	var re *Error
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// RegisterOption configures a sync-point registration request.
type RegisterOption func(*registerConfig)

type registerConfig struct {
	time         *timebase.Tick
	participants []string
}

// WithTime attaches a logical timestamp to the registration, for time-stamped
// synchronization points.
func WithTime(t timebase.Tick) RegisterOption {
	return func(cfg *registerConfig) {
		tc := t
		cfg.time = &tc
	}
}

// WithParticipants restricts the registration to a subset of federates
// instead of the whole federation.
func WithParticipants(handles ...string) RegisterOption {
	return func(cfg *registerConfig) {
		cfg.participants = append(cfg.participants, handles...)
	}
}

// RegisterRequest is the resolved form of a registration request, built from
// the label and any RegisterOptions.
type RegisterRequest struct {
	Label        string
	Time         *timebase.Tick
	Participants []string
}

// NewRegisterRequest applies the options to build a RegisterRequest.
func NewRegisterRequest(label string, opts ...RegisterOption) RegisterRequest {
	cfg := &registerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return RegisterRequest{
		Label:        label,
		Time:         cfg.time,
		Participants: cfg.participants,
	}
}

// Service is the rendezvous-service collaborator. Implementations perform
// the actual federation-wide protocol; this engine only drives the calls and
// reacts to the callbacks.
type Service interface {
	// Register asks the service to register the named synchronization point.
	// A nil return means the request was accepted; the registration outcome
	// is also delivered asynchronously through the CallbackHandler.
	Register(ctx context.Context, label string, opts ...RegisterOption) error

	// Achieve tells the service this federate reached the named point.
	// Failures carry a FailureReason; RetryableAchieve reasons leave the
	// point unachieved for a later attempt.
	Achieve(ctx context.Context, label string) error

	// IsExecutionMember reports whether this federate is still a participant
	// in the federation execution. Used as the liveness probe while blocked
	// in wait loops.
	IsExecutionMember(ctx context.Context) bool
}

// CallbackHandler receives the asynchronous notifications the rendezvous
// service delivers. Calls may arrive on any goroutine and must not block for
// long; implementations route them onto sync-point state transitions.
type CallbackHandler interface {
	// SyncPointRegistrationSucceeded reports this federate won the
	// registration race for the label.
	SyncPointRegistrationSucceeded(label string)

	// SyncPointRegistrationFailed reports the registration did not go
	// through, with the service's reason.
	SyncPointRegistrationFailed(label string, reason FailureReason)

	// SyncPointAnnounced reports the point is announced to the federation,
	// with the registrant's opaque tag.
	SyncPointAnnounced(label string, tag []byte)

	// SyncPointFederationSynchronized reports every participant achieved the
	// point.
	SyncPointFederationSynchronized(label string)
}
