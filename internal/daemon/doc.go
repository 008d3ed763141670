// Package daemon keeps a pool of reusable worker daemon processes. Work that
// needs process isolation is sent to an idle daemon whose requirement
// matches exactly, or to a newly started one. Daemons that sit idle too
// long, or that are idle while the host is short of memory, are stopped.
// A daemon whose channel fails is considered crashed and never reused.
package daemon
