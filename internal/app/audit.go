package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"habitping/internal/alarm"
	"habitping/internal/eventbus"
	"habitping/internal/storage"
	logx "habitping/pkg/logx"
)

// auditOutcome maps lifecycle events to the audit trail. Events not listed
// (pushes, channel messages, clicks) are too frequent or carry payloads.
var auditOutcome = map[string]string{
	eventbus.TypePermissionGranted:       "granted",
	eventbus.TypePermissionDenied:        "denied",
	eventbus.TypeTokenInvalidated:        "invalidated",
	eventbus.TypeScheduleUpdated:         "updated",
	eventbus.TypeTestSent:                "sent",
	eventbus.TypeRegistrationActivated:   "activated",
	eventbus.TypeRegistrationDeactivated: "deactivated",
	alarm.EventFired:                     "fired",
}

func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	outcome, ok := auditOutcome[e.Type]
	if !ok {
		// notifier.sent, notifier.failed, ...
		action, result, found := strings.Cut(e.Type, ".")
		if !found || action != "notifier" {
			return storage.AuditEntry{}, false
		}
		outcome = result
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	entry := storage.AuditEntry{At: at.UTC(), Action: e.Type, Outcome: outcome}
	switch d := e.Data.(type) {
	case nil:
	case []byte:
		if json.Valid(d) {
			entry.MetaJSON = string(d)
		}
	default:
		if b, err := json.Marshal(d); err == nil {
			entry.MetaJSON = string(b)
		}
	}
	return entry, true
}

// startAudit records lifecycle events in the store.
func (a *App) startAudit() {
	events, unsub := a.bus.Subscribe(64)
	log := a.log.With(logx.String("comp", "audit"))
	a.sup.Go0("audit", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				entry, ok := auditEntry(e)
				if !ok {
					continue
				}
				wctx, cancel := context.WithTimeout(c, 2*time.Second)
				if err := a.store.AppendAudit(wctx, entry); err != nil {
					log.Debug("audit append failed", logx.String("action", entry.Action), logx.Err(err))
				}
				cancel()
			}
		}
	})
}
