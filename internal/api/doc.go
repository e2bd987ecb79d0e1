// Package api exposes the REST surface for submitting revenue jobs, querying
// task state, recording ledger entries, and issuing access tokens. It also
// wires the cross-cutting HTTP middleware: CORS, metrics, auth, and recovery.
package api
