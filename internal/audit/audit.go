// Package audit records every Auth/Forbidden/RateLimited failure and
// admission event (spec §7, SPEC_FULL "Supplemented Features").
package audit

import (
	"context"

	"github.com/axonstream/axonpulse/internal/models"
	"github.com/axonstream/axonpulse/internal/store"
	"github.com/sirupsen/logrus"
)

// Recorder writes AuditLog entries, logging (but not failing the
// caller's request on) write errors — audit is best-effort, never a
// blocking dependency of the hot path.
type Recorder struct {
	store store.Store
	log   *logrus.Entry
}

// New constructs a Recorder.
func New(st store.Store, log *logrus.Logger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{store: st, log: log.WithField("component", "audit")}
}

// Record appends one audit entry for subject performing action, with an
// optional human-readable reason (e.g. a denial cause).
func (r *Recorder) Record(ctx context.Context, orgID, subject, action, reason string) {
	entry := &models.AuditLog{
		Subject: subject,
		Action:  action,
		Reason:  reason,
	}
	if err := r.store.RecordAudit(ctx, orgID, entry); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"org": orgID, "subject": subject, "action": action,
		}).Warn("failed to record audit entry")
	}
}
