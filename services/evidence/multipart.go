package evidence

import (
	"bytes"
	"errors"
	"mime"
	"net/textproto"
	"path"
	"strings"
)

// Multipart framing errors. All of them describe malformed client input.
var (
	ErrNoBoundary   = errors.New("multipart: missing boundary")
	ErrNoSeparator  = errors.New("multipart: part header is not terminated by a blank line")
	ErrUnterminated = errors.New("multipart: part body is not followed by a boundary delimiter")
	ErrNoFilePart   = errors.New("multipart: no parts found")
)

const defaultUploadName = "uploaded_file"

var (
	crlf      = []byte("\r\n")
	separator = []byte("\r\n\r\n")
)

// Part is one section of a multipart/form-data body.
type Part struct {
	Header   textproto.MIMEHeader
	Name     string
	Filename string
	Content  []byte
}

// ParseMultipart splits body according to the grammar
//
//	body      = *preamble dash-boundary part *(CRLF dash-boundary part) CRLF dash-boundary "--"
//	part      = CRLF header-block CRLF CRLF content
//	content   = *OCTET ; ends at the first CRLF dash-boundary
//
// Part contents are only terminated by the literal CRLF "--" boundary marker,
// so boundary-like bytes inside binary uploads are kept intact.
func ParseMultipart(body []byte, boundary string) ([]Part, error) {
	if boundary == "" {
		return nil, ErrNoBoundary
	}
	dash := []byte("--" + boundary)
	delimiter := append(append([]byte{}, crlf...), dash...)

	var start int
	switch {
	case bytes.HasPrefix(body, dash):
		start = len(dash)
	default:
		idx := bytes.Index(body, delimiter)
		if idx < 0 {
			return nil, ErrNoBoundary
		}
		start = idx + len(delimiter)
	}

	var parts []Part
	pos := start
	for {
		rest := body[pos:]
		if bytes.HasPrefix(rest, []byte("--")) {
			break
		}
		rest = skipTransportPadding(rest)
		if !bytes.HasPrefix(rest, crlf) {
			return nil, ErrNoSeparator
		}
		headerStart := pos + (len(body[pos:]) - len(rest)) + len(crlf)

		var headerBlock []byte
		var contentStart int
		if bytes.HasPrefix(body[headerStart:], crlf) {
			contentStart = headerStart + len(crlf)
		} else {
			end := bytes.Index(body[headerStart:], separator)
			if end < 0 {
				return nil, ErrNoSeparator
			}
			headerBlock = body[headerStart : headerStart+end]
			contentStart = headerStart + end + len(separator)
		}

		contentLen := bytes.Index(body[contentStart:], delimiter)
		if contentLen < 0 {
			return nil, ErrUnterminated
		}

		part := Part{
			Header:  parseHeaderBlock(headerBlock),
			Content: body[contentStart : contentStart+contentLen],
		}
		part.Name, part.Filename = dispositionNames(part.Header.Get("Content-Disposition"))
		parts = append(parts, part)

		pos = contentStart + contentLen + len(delimiter)
	}

	if len(parts) == 0 {
		return nil, ErrNoFilePart
	}
	return parts, nil
}

// FilePart returns the first part declaring a filename, falling back to the
// first part of the body.
func FilePart(parts []Part) (Part, bool) {
	if len(parts) == 0 {
		return Part{}, false
	}
	for _, p := range parts {
		if p.Filename != "" {
			return p, true
		}
	}
	return parts[0], true
}

// SafeFilename strips any directory components from a client supplied name.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(strings.TrimSpace(name))
	switch base {
	case "", ".", "..", "/":
		return defaultUploadName
	}
	return base
}

func skipTransportPadding(b []byte) []byte {
	return bytes.TrimLeft(b, " \t")
}

func parseHeaderBlock(block []byte) textproto.MIMEHeader {
	header := textproto.MIMEHeader{}
	for _, line := range bytes.Split(block, crlf) {
		key, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		header.Add(strings.TrimSpace(string(key)), strings.TrimSpace(string(value)))
	}
	return header
}

func dispositionNames(value string) (string, string) {
	if value == "" {
		return "", ""
	}
	_, params, err := mime.ParseMediaType(value)
	if err == nil {
		return params["name"], params["filename"]
	}
	// Fall back to a literal scan for clients that send unquoted or
	// non-ASCII filenames mime rejects.
	var name, filename string
	for _, field := range strings.Split(value, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch strings.ToLower(k) {
		case "name":
			name = v
		case "filename":
			filename = v
		}
	}
	return name, filename
}
