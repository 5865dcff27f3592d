package shelf

import (
	"log"
	"time"
)

type AuditEvent struct {
	Actor  string
	Action string
	Volume string
	Path   string
	At     time.Time
}

// Auditor is a best-effort sink for mutating operations. Implementations
// must never fail the request they are recording; there is no error return
// on purpose.
type Auditor interface {
	Record(event AuditEvent)
}

type LogAuditor struct{}

func (LogAuditor) Record(event AuditEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	log.Printf("audit: %s %s volume=%s path=%s", event.Actor, event.Action, event.Volume, event.Path)
}
