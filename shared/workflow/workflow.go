package workflow

import "strings"

const (
	CaseStatusSubmitted = "submitted"
	CaseStatusAssessed  = "assessed"
	CaseStatusQueued    = "queued"
	CaseStatusAssigned  = "assigned"
	CaseStatusEscalated = "escalated"
	CaseStatusReleased  = "released"
	CaseStatusCancelled = "cancelled"
)

const (
	CaseEventAssessed  = "case_assessed"
	CaseEventQueued    = "case_queued"
	CaseEventAssigned  = "case_assigned"
	CaseEventEscalated = "case_escalated"
	CaseEventReleased  = "case_released"
	CaseEventCancelled = "case_cancelled"
)

const (
	EntryStatusWaiting = "waiting"
	EntryStatusRemoved = "removed"

	EntryEventRemoved = "queue_entry_removed"
)

var caseTransitions = map[string]map[string]string{
	CaseStatusSubmitted: {
		CaseStatusAssessed:  CaseEventAssessed,
		CaseStatusCancelled: CaseEventCancelled,
	},
	CaseStatusAssessed: {
		CaseStatusQueued:    CaseEventQueued,
		CaseStatusEscalated: CaseEventEscalated,
		CaseStatusCancelled: CaseEventCancelled,
	},
	CaseStatusQueued: {
		CaseStatusAssessed:  CaseEventAssessed,
		CaseStatusAssigned:  CaseEventAssigned,
		CaseStatusReleased:  CaseEventReleased,
		CaseStatusCancelled: CaseEventCancelled,
	},
	CaseStatusAssigned: {
		CaseStatusReleased:  CaseEventReleased,
		CaseStatusCancelled: CaseEventCancelled,
	},
	CaseStatusEscalated: {
		CaseStatusAssessed:  CaseEventAssessed,
		CaseStatusQueued:    CaseEventQueued,
		CaseStatusCancelled: CaseEventCancelled,
	},
}

var entryTransitions = map[string]map[string]string{
	EntryStatusWaiting: {
		EntryStatusRemoved: EntryEventRemoved,
	},
}

func Normalize(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransitionCase(fromStatus string, toStatus string) bool {
	return canTransition(caseTransitions, fromStatus, toStatus)
}

func CaseEventForTransition(fromStatus string, toStatus string) string {
	return eventFor(caseTransitions, fromStatus, toStatus)
}

func CanTransitionEntry(fromStatus string, toStatus string) bool {
	return canTransition(entryTransitions, fromStatus, toStatus)
}

// IsTerminalCase reports statuses with no outgoing transitions.
func IsTerminalCase(status string) bool {
	return len(caseTransitions[Normalize(status)]) == 0
}

func canTransition(table map[string]map[string]string, fromStatus string, toStatus string) bool {
	fromStatus = Normalize(fromStatus)
	toStatus = Normalize(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := table[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func eventFor(table map[string]map[string]string, fromStatus string, toStatus string) string {
	fromStatus = Normalize(fromStatus)
	toStatus = Normalize(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := table[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}
