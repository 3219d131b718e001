package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

// DefaultPolicies is the fixed policy table for every accepted job type.
var DefaultPolicies = map[models.JobType]models.JobPolicy{
	models.JobTypeSchemaRebuild: {
		Priority: 10, RetryLimit: 3, RetryDelay: 60 * time.Second, RetryBackoff: true, ExpireAfter: 24 * time.Hour,
	},
	models.JobTypeDataExport: {
		Priority: 5, RetryLimit: 2, RetryDelay: 30 * time.Second, RetryBackoff: true, ExpireAfter: 6 * time.Hour,
	},
	models.JobTypeBulkImport: {
		Priority: 5, RetryLimit: 1, RetryDelay: 120 * time.Second, RetryBackoff: false, ExpireAfter: 12 * time.Hour,
	},
	models.JobTypeAnalyticsReport: {
		Priority: 1, RetryLimit: 2, RetryDelay: 300 * time.Second, RetryBackoff: true, ExpireAfter: 2 * time.Hour,
	},
	models.JobTypeBackupConnection: {
		Priority: 3, RetryLimit: 5, RetryDelay: 60 * time.Second, RetryBackoff: true, ExpireAfter: 24 * time.Hour,
	},
}

// PolicyFor returns the default policy of a job type.
func PolicyFor(jobType models.JobType) (models.JobPolicy, error) {
	p, ok := DefaultPolicies[jobType]
	if !ok {
		return models.JobPolicy{}, fmt.Errorf("%w: %q", ErrUnknownType, jobType)
	}
	return p, nil
}

// Options overrides the default policy for one enqueue. Nil fields keep the
// default.
type Options struct {
	Priority     *int
	RetryLimit   *int
	RetryDelay   *time.Duration
	RetryBackoff *bool
	ExpireAfter  *time.Duration

	// UniquenessKey makes enqueue idempotent while a job with the same key is
	// queued or running.
	UniquenessKey string
	// PrincipalID routes lifecycle events to the principal's channel.
	PrincipalID *uuid.UUID
	// StartAfter delays the first claim.
	StartAfter time.Time
}

func (o *Options) apply(p models.JobPolicy) (models.JobPolicy, error) {
	if o == nil {
		return p, nil
	}
	if o.Priority != nil {
		p.Priority = *o.Priority
	}
	if o.RetryLimit != nil {
		p.RetryLimit = *o.RetryLimit
	}
	if o.RetryDelay != nil {
		p.RetryDelay = *o.RetryDelay
	}
	if o.RetryBackoff != nil {
		p.RetryBackoff = *o.RetryBackoff
	}
	if o.ExpireAfter != nil {
		p.ExpireAfter = *o.ExpireAfter
	}

	switch {
	case p.RetryLimit < 0:
		return p, fmt.Errorf("%w: retry limit must not be negative", ErrValidation)
	case p.RetryDelay < 0:
		return p, fmt.Errorf("%w: retry delay must not be negative", ErrValidation)
	case p.ExpireAfter < time.Second:
		return p, fmt.Errorf("%w: expiry must be at least one second", ErrValidation)
	}
	return p, nil
}

// maxBackoffShift keeps the doubled delay far from overflowing.
const maxBackoffShift = 20

// NextDelay is the wait before the job's next attempt, given the retries
// already spent: retryDelay * 2^retryCount with backoff, retryDelay without.
func NextDelay(job *models.Job) time.Duration {
	delay := time.Duration(job.RetryDelaySeconds) * time.Second
	if !job.RetryBackoff {
		return delay
	}
	shift := job.RetryCount
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return delay << shift
}
