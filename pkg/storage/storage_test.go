package storage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFormatHash(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ipfs://QmSomeHash123", "QmSomeHash123"},
		{"filecoin://bafybeibwithpadding==", "bafybeibwithpadding=="},
		{"Qm\x00Hash\nWith Junk", "QmHashWithJunk"},
		{"plainhash", "plainhash"},
	}
	for _, c := range cases {
		if got := formatHash(c.in); got != c.want {
			t.Errorf("formatHash(%q) = %q; want %q", c.in, got, c.want)
		}
	}
}

func tarWithFiles(t *testing.T, files map[string]string, gzipped bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w *tar.Writer
	var gz *gzip.Writer
	if gzipped {
		gz = gzip.NewWriter(&buf)
		w = tar.NewWriter(gz)
	} else {
		w = tar.NewWriter(&buf)
	}
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o600, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := w.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			t.Fatalf("close gzip: %v", err)
		}
	}
	return buf.Bytes()
}

func TestParseProtoFiles(t *testing.T) {
	for _, gzipped := range []bool{false, true} {
		name := "tar"
		if gzipped {
			name = "tar.gz"
		}
		t.Run(name, func(t *testing.T) {
			archive := tarWithFiles(t, map[string]string{
				"service.proto": "syntax = \"proto3\";",
				"README.md":     "not a proto",
			}, gzipped)
			protos, err := ParseProtoFiles(archive)
			if err != nil {
				t.Fatalf("ParseProtoFiles: %v", err)
			}
			if len(protos) != 1 {
				t.Fatalf("got %d files; want only .proto kept", len(protos))
			}
			if protos["service.proto"] != "syntax = \"proto3\";" {
				t.Errorf("content mismatch: %q", protos["service.proto"])
			}
		})
	}
}

func TestGetLighthouseFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/QmTest" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	got, err := GetLighthouseFile(context.Background(), srv.URL+"/", "QmTest")
	if err != nil {
		t.Fatalf("GetLighthouseFile: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("body = %q; want payload", got)
	}

	if _, err := GetLighthouseFile(context.Background(), srv.URL+"/", "QmMissing"); err == nil {
		t.Error("expected error for 404")
	}
}

type fakeLighthouse struct{ body []byte }

func (f fakeLighthouse) Fetch(ctx context.Context, endpoint, cid string) ([]byte, error) {
	return f.body, nil
}

func TestReadFileDispatch(t *testing.T) {
	c := &Client{LighthouseURL: "http://unused/", lighthouseFetcher: fakeLighthouse{body: []byte("fc")}}
	got, err := c.ReadFile(context.Background(), "filecoin://bafyHash")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "fc" {
		t.Errorf("body = %q; want fc", got)
	}
}
