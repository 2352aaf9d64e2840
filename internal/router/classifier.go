package router

import (
	"bytes"
	"strings"

	"github.com/routecodex/routecodex/internal/protocol"
)

// Classifier infers a routing category from the shape of an inbound
// request, deterministically and in the priority order from §4.7: tools,
// vision, thinking, longcontext, websearch, then default.
type Classifier struct {
	// LongContextThreshold is the approximate character-count threshold
	// (chars, not exact tokens — see DESIGN.md for why no tokenizer is
	// wired) above which a request is classified longcontext.
	LongContextThreshold int
}

func DefaultClassifier() Classifier {
	return Classifier{LongContextThreshold: 200_000}
}

var webSearchToolNames = map[string]bool{
	"web_search": true, "websearch": true, "browser_search": true, "search": true,
}

func (c Classifier) Classify(req *protocol.ChatRequest) protocol.Category {
	switch {
	case req.HasTools():
		return protocol.CategoryTools
	case c.hasVisionContent(req):
		return protocol.CategoryVision
	case req.HasThinking():
		return protocol.CategoryThinking
	case c.estimateSize(req) > c.LongContextThreshold:
		return protocol.CategoryLongContext
	case c.hasWebSearchTool(req):
		return protocol.CategoryWebSearch
	default:
		return protocol.CategoryDefault
	}
}

// hasVisionContent scans the original client body for image content
// parts; canonical Message.Content is already flattened to text by the
// time it reaches here, so the raw body is the only place multi-part
// content survives.
func (c Classifier) hasVisionContent(req *protocol.ChatRequest) bool {
	if len(req.Raw) == 0 {
		return false
	}
	return bytes.Contains(req.Raw, []byte(`"image_url"`)) || bytes.Contains(req.Raw, []byte(`"image"`))
}

func (c Classifier) hasWebSearchTool(req *protocol.ChatRequest) bool {
	for _, tool := range req.Tools {
		if webSearchToolNames[strings.ToLower(tool.Function.Name)] {
			return true
		}
	}
	return false
}

func (c Classifier) estimateSize(req *protocol.ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	return total
}
