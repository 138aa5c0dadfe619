package sync

import (
    "shipsync/internal/model"
    "shipsync/internal/synctoken"
)

// State is the explicit order sync state. It is derived from the stored
// association first and the note token second, so installs that predate
// the association table still resolve correctly.
type State int

const (
    StateUnsynced State = iota
    StateSynced
    StateTerminal
)

func (s State) String() string {
    switch s {
    case StateSynced:
        return "synced"
    case StateTerminal:
        return "terminal"
    default:
        return "unsynced"
    }
}

// DeriveState resolves an order's sync state. hasAssoc indicates whether
// a stored association row exists; note is the order's current note text.
// The returned id is the associated consignment id, "" when unsynced.
func DeriveState(a model.Association, hasAssoc bool, note string) (State, string) {
    if hasAssoc && a.ConsignmentID != "" {
        if IsTerminalStatus(a.Status) {
            return StateTerminal, a.ConsignmentID
        }
        return StateSynced, a.ConsignmentID
    }
    if id := synctoken.ExtractConsignmentID(note); id != "" {
        return StateSynced, id
    }
    return StateUnsynced, ""
}
