// Package policy decides whether a viewer may perform a mutation.
package policy

import "errors"

type Action string

const (
	ActionCreateThread    Action = "thread.create"
	ActionEditThread      Action = "thread.edit"
	ActionDeleteThread    Action = "thread.delete"
	ActionCreateReply     Action = "reply.create"
	ActionEditReply       Action = "reply.edit"
	ActionDeleteReply     Action = "reply.delete"
	ActionRateComponent   Action = "component.rate"
	ActionToggleBookmark  Action = "component.bookmark"
	ActionUploadComponent Action = "component.upload"
)

// Viewer is the identity resolved from the session token. The zero value is
// an anonymous viewer.
type Viewer struct {
	UserID   int64
	Username string
	IsAdmin  bool
}

func (v Viewer) Anonymous() bool {
	return v.UserID == 0
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrNotOwner        = errors.New("viewer does not own the resource")
	ErrAdminOnly       = errors.New("administrator access required")
	ErrUnknownAction   = errors.New("unknown action")
)

// Authorize reports whether v may perform action. ownerID is the owning user
// for ownership-gated actions and ignored otherwise. Admin status does not
// override forum ownership.
func Authorize(v Viewer, action Action, ownerID int64) error {
	if v.Anonymous() {
		return ErrUnauthenticated
	}
	switch action {
	case ActionCreateThread, ActionCreateReply, ActionRateComponent, ActionToggleBookmark:
		return nil
	case ActionEditThread, ActionDeleteThread, ActionEditReply, ActionDeleteReply:
		if v.UserID != ownerID {
			return ErrNotOwner
		}
		return nil
	case ActionUploadComponent:
		if !v.IsAdmin {
			return ErrAdminOnly
		}
		return nil
	default:
		return ErrUnknownAction
	}
}
