package types

import "encoding/json"

// Category classifies an instrumented node and selects the injection pattern used for it.
type Category string

const (
	CategoryStatement   Category = "statement"
	CategoryConditional Category = "conditional"
	CategoryLoop        Category = "loop"
	CategoryFunction    Category = "function"
	// CategoryBlock covers bare blocks, switch case clauses and select comm clauses.
	// The checkpoint goes first inside the body instead of before the node.
	CategoryBlock Category = "block"
)

// LogsInsideBody reports whether the checkpoint call is placed as the first
// statement of the node's own body rather than before the node.
func (c Category) LogsInsideBody() bool {
	return c == CategoryFunction || c == CategoryBlock
}

// Span is an inclusive line range.
type Span struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Checkpoint describes one instrumentation point.
type Checkpoint struct {
	ID                   int      `json:"id" yaml:"id"`
	File                 string   `json:"file" yaml:"file"`
	EnclosingFunctionID  int      `json:"enclosingFunctionId" yaml:"enclosingFunctionId"`
	Category             Category `json:"category" yaml:"category"`
	Node                 string   `json:"node" yaml:"node"`
	SourceSpan           Span     `json:"sourceSpan" yaml:"sourceSpan"`
	InjectedSpan         Span     `json:"injectedSpan" yaml:"injectedSpan"`
	RenderedText         string   `json:"renderedText" yaml:"renderedText"`
	IsAsync              bool     `json:"isAsync" yaml:"isAsync"`
	IsUniqueTraceRoot    bool     `json:"isUniqueTraceRoot" yaml:"isUniqueTraceRoot"`
	AbstractionID        string   `json:"abstractionId,omitempty" yaml:"abstractionId,omitempty"`
	AbstractionVariables []string `json:"abstractionVariables,omitempty" yaml:"abstractionVariables,omitempty"`
}

// KeyKind names one accessor step of a variable access path.
type KeyKind string

const (
	KeyField KeyKind = "field"
	KeyIndex KeyKind = "index"
	KeyDeref KeyKind = "deref"
	// KeyTemp is an index whose value was hoisted into a synthetic variable.
	KeyTemp KeyKind = "temp"
)

type Key struct {
	Kind  KeyKind `json:"kind" yaml:"kind"`
	Value string  `json:"value,omitempty" yaml:"value,omitempty"`
}

// Variable describes one logged variable occurrence.
type Variable struct {
	ID                  int    `json:"id" yaml:"id"`
	CheckpointID        int    `json:"checkpointId" yaml:"checkpointId"`
	Name                string `json:"name" yaml:"name"`
	KeyPath             []Key  `json:"keyPath" yaml:"keyPath"`
	Syntax              string `json:"syntax" yaml:"syntax"`
	EnclosingFunctionID int    `json:"enclosingFunctionId" yaml:"enclosingFunctionId"`
	IsGlobal            bool   `json:"isGlobal" yaml:"isGlobal"`
	IsTemporary         bool   `json:"isTemporary" yaml:"isTemporary"`
	Reuses              int    `json:"reuses,omitempty" yaml:"reuses,omitempty"`
}

// Counter carries the next free checkpoint and variable ids across files.
// The zero value starts both sequences at 1.
type Counter struct {
	Checkpoint int `json:"checkpoint"`
	Variable   int `json:"variable"`
}

func (c *Counter) NextCheckpoint() int {
	if c.Checkpoint < 1 {
		c.Checkpoint = 1
	}
	id := c.Checkpoint
	c.Checkpoint++
	return id
}

func (c *Counter) NextVariable() int {
	if c.Variable < 1 {
		c.Variable = 1
	}
	id := c.Variable
	c.Variable++
	return id
}

// Directive types recognized in inert string literals.
const (
	DirectivePrefix          = "adli_"
	DirectiveDisableVariable = "adli_disable_variable"
	DirectiveMetadata        = "adli_metadata"
	DirectiveEncodeOutput    = "adli_encode_output"
	DirectiveAbstractionID   = "adli_abstraction_id"
)

// Directive is an instrumentation instruction embedded in the source as a
// blank assignment of a JSON string literal.
type Directive struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// FileEntry is one element of the program file tree.
type FileEntry struct {
	Path    string `json:"path" yaml:"path"`
	Package string `json:"package" yaml:"package"`
	Import  string `json:"import,omitempty" yaml:"import,omitempty"`
	Hash    string `json:"hash" yaml:"hash"`
	Entry   bool   `json:"entry,omitempty" yaml:"entry,omitempty"`
}

// ProgramMetadata is the merged side table written next to the instrumented sources.
type ProgramMetadata struct {
	FileTree        []FileEntry    `json:"fileTree" yaml:"fileTree"`
	Checkpoints     []Checkpoint   `json:"checkpoints" yaml:"checkpoints"`
	Variables       []Variable     `json:"variables" yaml:"variables"`
	ProgramMetadata map[string]any `json:"programMetadata,omitempty" yaml:"programMetadata,omitempty"`
}

// CheckpointByID returns the checkpoint with the given id.
func (m *ProgramMetadata) CheckpointByID(id int) (Checkpoint, bool) {
	for _, cp := range m.Checkpoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

// Abstractions maps original source lines of one file to design-intent ids.
type Abstractions struct {
	ByLine    map[int]string      `json:"byLine,omitempty"`
	Variables map[string][]string `json:"variables,omitempty"`
}

// Lookup returns the abstraction id and its variables for a source line.
func (a *Abstractions) Lookup(line int) (string, []string) {
	if a == nil {
		return "", nil
	}
	id, ok := a.ByLine[line]
	if !ok {
		return "", nil
	}
	return id, a.Variables[id]
}
