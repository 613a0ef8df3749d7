package evidence

import (
	"bytes"
	"errors"
	"testing"
)

func multipartBody(boundary string, parts ...string) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.WriteString("--" + boundary + "\r\n")
		buf.WriteString(p)
		buf.WriteString("\r\n")
	}
	buf.WriteString("--" + boundary + "--\r\n")
	return buf.Bytes()
}

func TestParseMultipartFileUpload(t *testing.T) {
	body := multipartBody("XyZ",
		"Content-Disposition: form-data; name=\"file\"; filename=\"notes.txt\"\r\nContent-Type: text/plain\r\n\r\nhello",
	)

	parts, err := ParseMultipart(body, "XyZ")
	if err != nil {
		t.Fatalf("ParseMultipart: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0].Filename != "notes.txt" || parts[0].Name != "file" {
		t.Fatalf("unexpected names: %q %q", parts[0].Name, parts[0].Filename)
	}
	if string(parts[0].Content) != "hello" {
		t.Fatalf("content = %q", parts[0].Content)
	}
	if parts[0].Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("content type header = %q", parts[0].Header.Get("Content-Type"))
	}
}

func TestParseMultipartKeepsBoundaryLikeBinary(t *testing.T) {
	payload := []byte("\x00\x01--XyZ\x02\r\n\r\n-XyZ\n--XyZ-not-a-delimiter\xff")
	body := multipartBody("XyZ",
		"Content-Disposition: form-data; name=\"note\"\r\n\r\nfirst field",
		"Content-Disposition: form-data; name=\"file\"; filename=\"blob.bin\"\r\n\r\n"+string(payload),
	)

	parts, err := ParseMultipart(body, "XyZ")
	if err != nil {
		t.Fatalf("ParseMultipart: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	part, ok := FilePart(parts)
	if !ok || part.Filename != "blob.bin" {
		t.Fatalf("FilePart = %#v, %v", part, ok)
	}
	if !bytes.Equal(part.Content, payload) {
		t.Fatalf("binary content corrupted: %q", part.Content)
	}
}

func TestParseMultipartErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "no boundary present", body: "just some bytes", want: ErrNoBoundary},
		{name: "missing separator", body: "--XyZ\r\nContent-Disposition: form-data; filename=\"a\"\r\nhello\r\n--XyZ--", want: ErrNoSeparator},
		{name: "unterminated body", body: "--XyZ\r\nContent-Disposition: form-data; filename=\"a\"\r\n\r\nhello", want: ErrUnterminated},
		{name: "only closing delimiter", body: "--XyZ--\r\n", want: ErrNoFilePart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMultipart([]byte(tt.body), "XyZ")
			if !errors.Is(err, tt.want) {
				t.Fatalf("ParseMultipart() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSafeFilename(t *testing.T) {
	tests := map[string]string{
		"notes.txt":            "notes.txt",
		"../../etc/passwd":     "passwd",
		`C:\Users\me\shot.png`: "shot.png",
		"":                     "uploaded_file",
		"..":                   "uploaded_file",
		"dir/":                 "dir",
	}
	for in, want := range tests {
		if got := SafeFilename(in); got != want {
			t.Fatalf("SafeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
