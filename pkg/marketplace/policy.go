package marketplace

import "fmt"

// Decision is the outcome of a policy check
type Decision struct {
	Allowed bool
	Reason  string
	kind    error
}

// Err returns nil for an allowed decision, otherwise the matching error kind
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", d.kind, d.Reason)
}

func allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason}
}

func deny(kind error, reason string) Decision {
	return Decision{Reason: reason, kind: kind}
}

// CanView decides whether the requester may see the extension.
// Rules are evaluated in order and the first match wins.
func CanView(ext Extension, req Requester) Decision {
	if !ext.Owner.Active {
		if req.IsAdmin() {
			return allow("administrator may view extensions of inactive owners")
		}
		return deny(ErrUnavailable, "extension owner is inactive")
	}

	if ext.Pending {
		if req.IsAdmin() {
			return allow("administrator may preview pending extensions")
		}
		if req.Is(ext.Owner.ID) {
			return allow("owner may preview pending extension")
		}
		return deny(ErrUnavailable, "extension is pending approval")
	}

	return allow("extension is published")
}

// CanModify decides whether the actor may update or delete the extension
func CanModify(ext Extension, actor Actor) Decision {
	if actor.ID == ext.Owner.ID {
		return allow("actor owns the extension")
	}
	if actor.IsAdmin() {
		return allow("actor is an administrator")
	}
	return deny(ErrUnauthorized, fmt.Sprintf("user %d may not modify extension %d", actor.ID, ext.ID))
}
