package diagraph

import (
	"errors"

	"github.com/calegria/diagraph/chunker"
	"github.com/calegria/diagraph/docread"
	"github.com/calegria/diagraph/llm"
	"github.com/calegria/diagraph/reposcan"
	"github.com/calegria/diagraph/retrieval"
	"github.com/calegria/diagraph/workspace"
)

// Sentinel errors callers can test with errors.Is. Most are re-exports of
// the owning package's sentinel so the root API is enough to match on.
var (
	// ErrEmptyInput is returned when a pipeline stage receives empty text.
	ErrEmptyInput = chunker.ErrEmptyInput

	// ErrEmptyGraph is returned when retrieval runs against a graph with no nodes.
	ErrEmptyGraph = retrieval.ErrEmptyGraph

	// ErrNotFound is returned for missing files, records, or history entries.
	ErrNotFound = workspace.ErrNotFound

	// ErrParseFailure is returned when an LLM response that must be JSON
	// cannot be recovered even with lenient brace matching.
	ErrParseFailure = llm.ErrNoJSON

	// ErrWorkspaceExists is returned when creating a workspace that already exists.
	ErrWorkspaceExists = workspace.ErrExists

	// ErrInvalidWorkspaceName is returned for workspace names outside [A-Za-z0-9_-]+.
	ErrInvalidWorkspaceName = workspace.ErrInvalidName

	// ErrWorkspaceNotFound is returned when switching to a missing workspace.
	ErrWorkspaceNotFound = errors.New("diagraph: workspace does not exist")

	// ErrUnsupportedFormat is returned for file formats no reader understands.
	ErrUnsupportedFormat = docread.ErrUnsupportedFormat

	// ErrCloneFailed is returned when a repository cannot be fetched.
	ErrCloneFailed = reposcan.ErrCloneFailed
)
