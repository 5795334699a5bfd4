// Package normalize converts vendor-shaped security alerts into the
// canonical schema. It reconciles two independent signals per leaf value:
// what the attribute name suggests (alias table with priorities) and what
// the value shape suggests (hash/IP/email/... detectors), with explicit
// confidence arithmetic, operator-curated overrides checked first, and a
// value-identity cache so the same literal seen under two key spellings
// converges to one field. Pure computation, no I/O.
package normalize
