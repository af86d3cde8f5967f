// Package types defines the shared types used across all memoryplane packages.
//
// These types form the lingua franca between providers, storage tiers, and the
// ingestion/retrieval engines. They are intentionally minimal — each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import "time"

// Message represents a single message in an LLM conversation history. Used by
// the classifier (C8) and graph extractor (C7) prompts sent to pkg/provider/llm.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// Address identifies the owner of memories by an opaque blockchain-style address.
// Per-user state (vector index, knowledge graph, dedup table) materializes
// lazily on first write; Address itself carries no mutable state.
type Address string

// Memory is the atomic unit of the memory plane (spec §3).
type Memory struct {
	MemoryID       string
	Owner          Address
	Category       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Importance     float64
	Tags           []string
	ContentRef     string
	VectorRef      int64
	EmbeddingModel string
	Encryption     EncryptionDescriptor
	GraphRefs      []string
}

// EncryptionKind distinguishes plaintext memories from identity-encrypted ones.
type EncryptionKind int

const (
	EncryptionPlaintext EncryptionKind = iota
	EncryptionIBE
)

// EncryptionDescriptor records how a Memory's ContentRef bytes were sealed.
type EncryptionDescriptor struct {
	Kind           EncryptionKind
	IdentityString string
	AADHash        string
}

// ConsentGrant records that RequestingIdentity may act on TargetIdentity's
// content within Scope until ExpiresAt (zero means no expiry).
type ConsentGrant struct {
	RequestingIdentity string
	TargetIdentity     string
	Scope              string
	GrantedAt          time.Time
	ExpiresAt          time.Time
}

// Expired reports whether the grant has passed its expiry at t.
func (g ConsentGrant) Expired(t time.Time) bool {
	return !g.ExpiresAt.IsZero() && !t.Before(g.ExpiresAt)
}

// BatchItem is the generic envelope the Batcher (C5) schedules.
type BatchItem[T any] struct {
	ID         string
	Payload    T
	EnqueuedAt time.Time
	Priority   int
	Metadata   map[string]string
}
