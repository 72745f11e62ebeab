package dialog

import "errors"

// ErrUnknownDialog is returned by any operation keyed on a Call-ID the
// manager has no active dialog for.
var ErrUnknownDialog = errors.New("dialog: unknown call-id")

// ErrBusy reports that the callee is already a party to an active call.
// No Manager method returns it; Create does not check busy status, and
// IsNumberBusy reports it as a bool.
var ErrBusy = errors.New("dialog: callee busy")
