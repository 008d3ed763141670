package tracing

// Span attribute keys.
const (
	AttrOperationID = "anvil.operation.id"
	AttrItemID      = "anvil.item.id"
	AttrAction      = "anvil.action"
	AttrIsolation   = "anvil.isolation"
	AttrDaemonID    = "anvil.daemon.id"
	AttrTaskName    = "anvil.task"
)

// Span names.
const (
	SpanWorkSubmit  = "work.submit"
	SpanWorkExecute = "work.execute"
	SpanTaskRun     = "task.run"
)
