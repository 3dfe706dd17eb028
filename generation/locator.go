package generation

import (
	"strings"

	"github.com/ekho-app/ekho/artifact"
)

// maxWalkDepth bounds the fallback search through unknown response shapes
const maxWalkDepth = 16

var (
	// result lists seen across model versions, in preference order
	resultLists = []string{"videos", "generatedVideos", "generatedSamples"}
	// locator fields inside a result entry, in preference order
	locatorFields = []string{"gcsUri", "uri", "videoUri"}

	mediaExtensions = map[string]bool{
		".mp4": true, ".mov": true, ".webm": true, ".mkv": true,
		".mp3": true, ".wav": true, ".m4a": true,
	}
)

// FindArtifactLocator extracts the output locator of a finished operation.
// Known response fields are tried first; otherwise the response and then
// the whole operation are walked for a storage or HTTP locator with a media
// extension.
func FindArtifactLocator(response, operation Node) (artifact.Ref, bool) {
	if ref, ok := wellKnownLocator(response); ok {
		return ref, true
	}
	if ref, ok := walkForLocator(response, 0); ok {
		return ref, true
	}
	return walkForLocator(operation, 0)
}

func wellKnownLocator(response Node) (artifact.Ref, bool) {
	for _, list := range resultLists {
		entries, ok := response.Field(list)
		if !ok {
			continue
		}
		first, ok := entries.Index(0)
		if !ok {
			continue
		}
		if ref, ok := locatorIn(first); ok {
			return ref, true
		}
		// generatedSamples nest the locator one level down
		if video, ok := first.Field("video"); ok {
			if ref, ok := locatorIn(video); ok {
				return ref, true
			}
		}
	}
	return "", false
}

func locatorIn(entry Node) (artifact.Ref, bool) {
	for _, field := range locatorFields {
		v, ok := entry.Field(field)
		if !ok {
			continue
		}
		if s, ok := v.Text(); ok && s != "" {
			return artifact.Ref(s), true
		}
	}
	return "", false
}

func walkForLocator(n Node, depth int) (artifact.Ref, bool) {
	if depth > maxWalkDepth {
		return "", false
	}
	switch n.Kind {
	case NodeString:
		if isMediaLocator(n.Str) {
			return artifact.Ref(n.Str), true
		}
	case NodeList:
		for _, item := range n.List {
			if ref, ok := walkForLocator(item, depth+1); ok {
				return ref, true
			}
		}
	case NodeMap:
		for _, key := range n.Keys() {
			if ref, ok := walkForLocator(n.Map[key], depth+1); ok {
				return ref, true
			}
		}
	}
	return "", false
}

func isMediaLocator(s string) bool {
	ref := artifact.Ref(strings.TrimSpace(s))
	switch ref.Scheme() {
	case artifact.SchemeGCS, artifact.SchemeHTTP, artifact.SchemeHTTPS:
		return mediaExtensions[ref.Extension()]
	}
	return false
}
