// Package sandbox implements the job-bundle execution runtime: forking a
// restricted child interpreter (JS or Python, selected by bundle runtime),
// bridging its update/resolveSecret RPCs back to the parent, enforcing a
// timeout watchdog, and capturing its logs and resource usage.
package sandbox

import (
	"encoding/json"
	"time"

	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
)

// BundleDescriptor identifies the extracted bundle directory a sandbox run
// executes out of.
type BundleDescriptor struct {
	Slug         string
	Version      string
	Checksum     string
	Dir          string
	EntryFile    string
	ExportName   string
	Manifest     map[string]any
	Capabilities []string
}

// JobDescriptor is the job-run-specific input to one sandbox execution.
type JobDescriptor struct {
	DefinitionSlug string
	RunID          string
	Runtime        catalog.JobRuntime
	Parameters     map[string]any
	TimeoutMs      int64
	WorkflowEvent  map[string]any
}

// UpdatePartial is the payload of a child-issued `update` RPC: any
// subset of these fields may be set, and the parent applies only what's
// present.
type UpdatePartial struct {
	Parameters map[string]any `json:"parameters,omitempty"`
	LogsURL    string         `json:"logsUrl,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	TimeoutMs  *int64         `json:"timeoutMs,omitempty"`
}

// UpdateFunc performs the real C1 job-run write a child's `update` RPC asks
// for, returning the refreshed run view serialized back to the child.
type UpdateFunc func(runID string, partial UpdatePartial) (map[string]any, error)

// ResolveSecretFunc resolves a secret reference a child's `resolveSecret`
// RPC asks for.
type ResolveSecretFunc func(reference string) (string, error)

// SandboxExecutionOptions is the full input to one Execute call.
type SandboxExecutionOptions struct {
	Bundle          BundleDescriptor
	Job             JobDescriptor
	HostRootPrefix  string
	OnUpdate        UpdateFunc
	OnResolveSecret ResolveSecretFunc
}

// LogEntry is one captured sandbox log line, either emitted by the handler
// via context.logger or ingested from child stdout/stderr.
type LogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ResourceUsage is the child's self-reported (or OS-reported) resource
// consumption, present only when the runtime can supply it.
type ResourceUsage struct {
	UserCPUMs   int64 `json:"userCpuMs"`
	SystemCPUMs int64 `json:"systemCpuMs"`
	MaxRSSKB    int64 `json:"maxRssKb"`
}

// SandboxResult is the full output of one Execute call.
type SandboxResult struct {
	TaskID            string         `json:"taskId"`
	Result            map[string]any `json:"result"`
	DurationMs        int64          `json:"durationMs"`
	ResourceUsage     *ResourceUsage `json:"resourceUsage,omitempty"`
	Logs              []LogEntry     `json:"logs"`
	TruncatedLogCount int            `json:"truncatedLogCount"`
}

// childMessage is the envelope every line the child writes to stdout is
// decoded into before being dispatched by type.
type childMessage struct {
	Type        string          `json:"type"` // "log" | "request" | "result" | "error"
	RequestID   string          `json:"requestId,omitempty"`
	Method      string          `json:"method,omitempty"` // "update" | "resolveSecret"
	Level       string          `json:"level,omitempty"`
	Message     string          `json:"message,omitempty"`
	Meta        map[string]any  `json:"meta,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *childError     `json:"error,omitempty"`
	ResourceUse *ResourceUsage  `json:"resourceUsage,omitempty"`
}

type childError struct {
	Message    string         `json:"message"`
	Stack      string         `json:"stack,omitempty"`
	Name       string         `json:"name,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// parentResponse is written back to the child's stdin in answer to a
// "request" message.
type parentResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// startMessage is the single message the parent writes to the child's
// stdin at the start of execution, for both the JS and Python harnesses.
type startMessage struct {
	Type           string         `json:"type"`
	TaskID         string         `json:"taskId"`
	BundleDir      string         `json:"bundleDir"`
	EntryFile      string         `json:"entryFile"`
	ExportName     string         `json:"exportName,omitempty"`
	Manifest       map[string]any `json:"manifest"`
	Capabilities   []string       `json:"capabilities"`
	HostRootPrefix string         `json:"hostRootPrefix,omitempty"`
	Parameters     map[string]any `json:"parameters"`
	TimeoutMs      int64          `json:"timeoutMs"`
	WorkflowEvent  map[string]any `json:"workflowEvent,omitempty"`
}
