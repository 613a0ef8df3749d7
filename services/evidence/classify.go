package evidence

import (
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
)

// Kind classifies an inbound submission.
type Kind string

const (
	KindUpload  Kind = "upload"
	KindPaste   Kind = "paste"
	KindRawLog  Kind = "raw-log"
	KindRawDump Kind = "raw-dump"
)

// ContentField is the urlencoded field carrying pasted text.
const ContentField = "content"

// ErrUnsupportedMediaType is returned for legacy multipart variants the hub
// does not accept.
var ErrUnsupportedMediaType = errors.New("unsupported media type")

// Submission is a classified request body ready to be persisted.
type Submission struct {
	Kind     Kind
	Filename string
	Data     []byte
	Text     string
}

// Classify inspects the content type and body of one POST and decides how it
// is stored.
func Classify(contentType string, body []byte) (Submission, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		head, _, _ := strings.Cut(contentType, ";")
		mediaType = strings.ToLower(strings.TrimSpace(head))
		params = nil
	}

	switch {
	case mediaType == "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return Submission{}, ErrNoBoundary
		}
		parts, err := ParseMultipart(body, boundary)
		if err != nil {
			return Submission{}, err
		}
		part, ok := FilePart(parts)
		if !ok {
			return Submission{}, ErrNoFilePart
		}
		return Submission{
			Kind:     KindUpload,
			Filename: SafeFilename(part.Filename),
			Data:     part.Content,
		}, nil

	case strings.HasPrefix(mediaType, "multipart/"):
		return Submission{}, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)

	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err == nil && values.Has(ContentField) {
			text := values.Get(ContentField)
			return Submission{
				Kind:     KindPaste,
				Filename: "paste.txt",
				Data:     []byte(text),
				Text:     text,
			}, nil
		}
		return Submission{Kind: KindRawLog, Filename: "log.txt", Data: body}, nil

	default:
		return Submission{Kind: KindRawDump, Filename: "dump.bin", Data: body}, nil
	}
}
