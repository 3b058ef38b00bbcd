package schema

// Event type constants for the execution log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventNodeBuffered  = "node_buffered"
	EventNodeReady     = "node_ready"
	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"

	EventTriggerFired = "trigger_fired"
)

// ExecutionStatus represents the lifecycle state of a flow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// NodeStatus represents the lifecycle state of one (node, run index) pair.
// There is no failed state: a runner failure aborts the whole execution.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusReady   NodeStatus = "ready"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusDone    NodeStatus = "done"
)
