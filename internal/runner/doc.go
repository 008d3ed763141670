// Package runner defines the interface every execution context implements,
// along with the in-process and sandboxed runners and the registry that
// routes work to a runner by isolation mode.
package runner
