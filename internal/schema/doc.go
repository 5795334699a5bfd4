// Package schema defines the canonical alert vocabulary shared by every
// pipeline stage: the OCSF-like canonical record with its mapping audit
// trail, the triage verdict, the consolidated wide score row, and the
// dot-path flatten/unflatten helpers used on the wire.
package schema
