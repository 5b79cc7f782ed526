package transport

import (
    "fmt"
    "strings"

    "github.com/hashicorp/go-multierror"

    "github.com/amirimatin/go-tribes/pkg/member"
)

// FaultyMember pairs a destination with the reason delivery to it failed.
type FaultyMember struct {
    Member *member.Member
    Err    error
}

// SendError reports the destinations a send could not reach.
type SendError struct {
    Faulty []FaultyMember
}

// NewSendError returns nil when faults is empty.
func NewSendError(faults []FaultyMember) error {
    if len(faults) == 0 { return nil }
    return &SendError{Faulty: faults}
}

func (e *SendError) Error() string {
    names := make([]string, 0, len(e.Faulty))
    for _, f := range e.Faulty {
        names = append(names, f.Member.Name())
    }
    return fmt.Sprintf("transport: send failed for %d member(s) [%s]: %v", len(e.Faulty), strings.Join(names, ", "), e.Unwrap())
}

// Unwrap aggregates the underlying errors.
func (e *SendError) Unwrap() error {
    var merr *multierror.Error
    for _, f := range e.Faulty {
        merr = multierror.Append(merr, f.Err)
    }
    return merr.ErrorOrNil()
}

// Failed reports whether m is among the faulty members.
func (e *SendError) Failed(m *member.Member) bool {
    for _, f := range e.Faulty {
        if member.Same(f.Member, m) { return true }
    }
    return false
}
