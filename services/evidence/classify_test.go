package evidence

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	upload := multipartBody("b0und",
		"Content-Disposition: form-data; name=\"file\"; filename=\"shot.png\"\r\n\r\nPNG")

	tests := []struct {
		name        string
		contentType string
		body        []byte
		wantKind    Kind
		wantName    string
		wantData    string
		wantErr     error
	}{
		{name: "multipart upload", contentType: "multipart/form-data; boundary=b0und", body: upload, wantKind: KindUpload, wantName: "shot.png", wantData: "PNG"},
		{name: "multipart without boundary", contentType: "multipart/form-data", body: upload, wantErr: ErrNoBoundary},
		{name: "multipart with empty boundary", contentType: "multipart/form-data; boundary=", body: upload, wantErr: ErrNoBoundary},
		{name: "malformed raw type parameters", contentType: "Application/Octet-Stream; =x", body: []byte("x"), wantKind: KindRawDump, wantName: "dump.bin", wantData: "x"},
		{name: "legacy multipart", contentType: "multipart/mixed; boundary=b0und", body: upload, wantErr: ErrUnsupportedMediaType},
		{name: "paste", contentType: "application/x-www-form-urlencoded", body: []byte("content=%5BAGENT%5D+online"), wantKind: KindPaste, wantName: "paste.txt", wantData: "[AGENT] online"},
		{name: "urlencoded without content", contentType: "application/x-www-form-urlencoded", body: []byte("msg=hi"), wantKind: KindRawLog, wantName: "log.txt", wantData: "msg=hi"},
		{name: "raw dump", contentType: "application/octet-stream", body: []byte{0, 1, 2}, wantKind: KindRawDump, wantName: "dump.bin", wantData: "\x00\x01\x02"},
		{name: "no content type", contentType: "", body: []byte("x"), wantKind: KindRawDump, wantName: "dump.bin", wantData: "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := Classify(tt.contentType, tt.body)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Classify() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if sub.Kind != tt.wantKind || sub.Filename != tt.wantName || string(sub.Data) != tt.wantData {
				t.Fatalf("Classify() = %s %q %q", sub.Kind, sub.Filename, sub.Data)
			}
		})
	}
}

func TestNormalizeAddr(t *testing.T) {
	tests := map[string]string{
		"10.0.0.5:51234":          "10.0.0.5",
		"[::1]:8000":              "127.0.0.1",
		"::1":                     "127.0.0.1",
		"[::ffff:192.168.1.9]:80": "192.168.1.9",
		"[fe80::1%eth0]:80":       "fe80::1",
		"":                        "unknown",
	}
	for in, want := range tests {
		if got := NormalizeAddr(in); got != want {
			t.Fatalf("NormalizeAddr(%q) = %q, want %q", in, got, want)
		}
	}
}
