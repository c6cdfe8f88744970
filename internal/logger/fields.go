package logger

import "go.uber.org/zap"

// Standard field names for structured logging across tempora.
const (
	FieldComponent  = "component"
	FieldSubject    = "subject"
	FieldPredicate  = "predicate"
	FieldFactID     = "fact_id"
	FieldTransition = "transition"
	FieldEntityID   = "entity_id"
	FieldEntityType = "entity_type"
	FieldPattern    = "pattern"
	FieldProvider   = "provider"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
)

// ComponentLogger returns a named logger for a specific component.
//
//	func NewTracker(st *store.Store, cfg config.EvolutionConfig) *Tracker {
//	    return &Tracker{logger: logger.ComponentLogger("evolution")}
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// OrComponent returns l when non-nil, otherwise a component logger for name.
func OrComponent(l *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if l != nil {
		return l
	}
	return ComponentLogger(name)
}
