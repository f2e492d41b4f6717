package client

import (
	"github.com/TrialGuides/Cumulus/client/coder"
	"github.com/TrialGuides/Cumulus/client/contentrange"
	"github.com/TrialGuides/Cumulus/client/pipeline"
)

// maxErrBodySize caps the amount of response body copied into an
// [UnexpectedStatusError].
const maxErrBodySize = 4 << 10 // 4KB

const defaultContentType = "application/json"

const tracerName = "github.com/TrialGuides/Cumulus/client"

// Re-exported user-facing types.

type (
	// Request is a single logical request, built with [NewRequest].
	Request = pipeline.Request

	// Response is the outcome of a completed [Request].
	Response = pipeline.Response

	// Pipeline is the in-flight execution of a [Request].
	Pipeline = pipeline.Pipeline

	// Error wraps an abort reason or condition with additional detail.
	Error = pipeline.Error

	// Range is a byte span of a resource.
	Range = contentrange.Range

	// Class is the decoding family of a content type.
	Class = coder.Class
)

// Hook types.
type (
	PreflightFunc     = pipeline.PreflightFunc
	PostProcessorFunc = pipeline.PostProcessorFunc
	CompletionFunc    = pipeline.CompletionFunc
	AbortFunc         = pipeline.AbortFunc
)
