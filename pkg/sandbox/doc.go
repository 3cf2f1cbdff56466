// Package sandbox is the guest-side support library for scriptbox guest
// programs. A guest imports it to parse the run request delivered on
// stdin, emit protocol markers on stdout, and convert between pixel and
// stage coordinates.
//
// The wire contract: the engine writes one newline-terminated JSON
// document (the run request) to the guest's stdin at startup. Everything
// the guest writes to stdout is free text unless the line starts with
// the marker sentinel, in which case the engine interprets it as a
// protocol command. Operations that request confirmation receive one
// newline-terminated JSON reply on stdin, in request order. Async
// variants never receive a reply. Under the cluster backend stdout is
// collected after the pod exits, so confirmations cannot be delivered
// there; WaitTimeout bounds how long a guest blocks before assuming
// success.
//
// All wire field names are snake_case and channel lookups use string
// keys ("0", "1", ...).
package sandbox
