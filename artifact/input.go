package artifact

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/ekho-app/ekho/errors"
)

// Input is either raw bytes that still need storing or a Ref that is
// already stored. Which one it is follows from how it was built.
type Input struct {
	ref         Ref
	data        []byte
	contentType string
}

// FromRef wraps an already-stored reference
func FromRef(ref Ref) Input {
	return Input{ref: ref}
}

// FromBytes wraps raw bytes; an empty content type is sniffed from the data
func FromBytes(data []byte, contentType string) Input {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return Input{data: data, contentType: contentType}
}

// ParseInput decides by shape: a gs://, local:// or http(s):// string is a
// stored reference, a data: URI or bare base64 string is raw bytes.
func ParseInput(s string) (Input, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Input{}, errors.NewInvalidRequestError("empty artifact")
	}
	if IsRef(s) {
		return FromRef(Ref(s)), nil
	}

	contentType := ""
	payload := s
	if strings.HasPrefix(s, "data:") {
		header, body, ok := strings.Cut(s[len("data:"):], ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return Input{}, errors.NewInvalidRequestError("data URI must be base64 encoded")
		}
		contentType = strings.TrimSuffix(header, ";base64")
		payload = body
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return Input{}, errors.WrapInvalidRequest(err, "artifact is neither a stored reference nor base64 data")
	}
	if len(data) == 0 {
		return Input{}, errors.NewInvalidRequestError("artifact payload is empty")
	}
	return FromBytes(data, contentType), nil
}

// ParseInputs parses each string with ParseInput
func ParseInputs(values []string) ([]Input, error) {
	inputs := make([]Input, 0, len(values))
	for i, v := range values {
		in, err := ParseInput(v)
		if err != nil {
			return nil, errors.Wrapf(err, "artifact %d", i)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// Stored reports whether the input is already a stored reference
func (in Input) Stored() bool { return in.ref != "" }

// Ref returns the stored reference, empty for raw inputs
func (in Input) Ref() Ref { return in.ref }

// Data returns the raw bytes, nil for stored references
func (in Input) Data() []byte { return in.data }

// ContentType returns the MIME type of raw bytes, or one inferred from the ref's extension
func (in Input) ContentType() string {
	if in.Stored() {
		return ContentTypeForExtension(in.ref.Extension())
	}
	return in.contentType
}
