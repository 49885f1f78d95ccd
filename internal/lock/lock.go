package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusy means an unexpired lease is held by someone else.
	ErrBusy = errors.New("lock: busy")
	// ErrLost means a renewal arrived after the lease expired or changed hands.
	ErrLost = errors.New("lock: lease lost")
	// ErrNotOwner means a release presented the wrong token.
	ErrNotOwner = errors.New("lock: not owner")
)

// Manager grants short-lived renewable exclusive leases. An expired lease is
// logically absent: any caller may reclaim it. The token proves ownership on
// renew and release.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Renew(ctx context.Context, key, token string, ttl time.Duration) error
	Release(ctx context.Context, key, token string) error
}

// Key builds the lease key for one applicant/job pair.
func Key(jobID, applicantID string) string {
	return fmt.Sprintf("analysis:%s:%s", jobID, applicantID)
}
