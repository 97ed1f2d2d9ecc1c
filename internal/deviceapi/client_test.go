package deviceapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// recordedRequest is what the fake device saw.
type recordedRequest struct {
	method string
	path   string
	query  map[string]string
	auth   string
	body   string
}

func newFakeDevice(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recordedRequest) {
	t.Helper()
	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  map[string]string{},
			auth:   r.Header.Get("Authorization"),
		}
		for k := range r.URL.Query() {
			rec.query[k] = r.URL.Query().Get(k)
		}
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			b, _ := io.ReadAll(r.Body)
			rec.body = string(b)
		}
		seen = append(seen, rec)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "tok", 2*time.Second), &seen
}

func okJSON(body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func TestFetchConfig(t *testing.T) {
	c, seen := newFakeDevice(t, okJSON(`{"deviceName":"Kitchen","wifi":{"mode":"client"}}`))

	cfg, err := c.FetchConfig(context.Background())
	if err != nil {
		t.Fatalf("FetchConfig() error = %v", err)
	}
	if cfg["deviceName"] != "Kitchen" {
		t.Errorf("deviceName = %v", cfg["deviceName"])
	}
	got := (*seen)[0]
	if got.method != http.MethodGet || got.path != "/api/config" || got.auth != "Bearer tok" {
		t.Errorf("request = %+v", got)
	}
}

func TestSaveConfig(t *testing.T) {
	c, seen := newFakeDevice(t, okJSON(`{"deviceName":"Porch","hostname":"esp"}`))

	merged, err := c.SaveConfigToDevice(context.Background(), Config{"deviceName": "Porch"})
	if err != nil {
		t.Fatalf("SaveConfigToDevice() error = %v", err)
	}
	if merged["hostname"] != "esp" {
		t.Errorf("merged = %v", merged)
	}
	got := (*seen)[0]
	if got.method != http.MethodPut || got.path != "/api/config" {
		t.Errorf("request = %+v", got)
	}
	var sent map[string]any
	if err := json.Unmarshal([]byte(got.body), &sent); err != nil || sent["deviceName"] != "Porch" {
		t.Errorf("body = %s", got.body)
	}
}

func TestRestartAndLogout(t *testing.T) {
	c, seen := newFakeDevice(t, okJSON(`{"ok":true}`))
	ctx := context.Background()

	if err := c.RestartDevice(ctx); err != nil {
		t.Fatalf("RestartDevice() error = %v", err)
	}
	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if (*seen)[0].path != "/api/restart" || (*seen)[1].path != "/api/auth/logout" {
		t.Errorf("paths = %s, %s", (*seen)[0].path, (*seen)[1].path)
	}
}

func TestFileOperations(t *testing.T) {
	c, seen := newFakeDevice(t, okJSON(`{"files":[{"name":"a.txt","path":"/a.txt","isDirectory":false,"size":3,"modified":1700000000}]}`))
	ctx := context.Background()

	files, err := c.ListFiles(ctx, "sd", "/")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 1 || files[0].Name != "a.txt" || files[0].Size != 3 {
		t.Errorf("ListFiles() = %+v", files)
	}
	if err := c.Rename(ctx, "sd", "/a.txt", "b.txt"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if err := c.Delete(ctx, "sd", "/b.txt"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Mkdir(ctx, "lfs", "/", "logs"); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	tests := []struct {
		idx   int
		path  string
		query map[string]string
	}{
		{0, "/api/files", map[string]string{"fs": "sd", "path": "/"}},
		{1, "/api/files/rename", map[string]string{"fs": "sd", "oldPath": "/a.txt", "newName": "b.txt"}},
		{2, "/api/files/delete", map[string]string{"fs": "sd", "path": "/b.txt"}},
		{3, "/api/files/mkdir", map[string]string{}},
	}
	for _, tt := range tests {
		got := (*seen)[tt.idx]
		if got.path != tt.path {
			t.Errorf("request %d path = %s, want %s", tt.idx, got.path, tt.path)
		}
		for k, v := range tt.query {
			if got.query[k] != v {
				t.Errorf("request %d query %s = %q, want %q", tt.idx, k, got.query[k], v)
			}
		}
	}
	if !strings.Contains((*seen)[3].body, `"name":"logs"`) {
		t.Errorf("mkdir body = %s", (*seen)[3].body)
	}
}

func TestUpload(t *testing.T) {
	var gotName, gotContent, gotFS string
	c, _ := newFakeDevice(t, func(w http.ResponseWriter, r *http.Request) {
		gotFS = r.URL.Query().Get("fs")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		gotName, gotContent = hdr.Filename, string(b)
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	if err := c.Upload(context.Background(), "lfs", "/www", "index.html", strings.NewReader("<html>")); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if gotFS != "lfs" || gotName != "index.html" || gotContent != "<html>" {
		t.Errorf("upload fs=%q name=%q content=%q", gotFS, gotName, gotContent)
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantIs   error
		wantText string
	}{
		{"json error field", http.StatusBadRequest, `{"error":"Bad path"}`, nil, "Bad path"},
		{"plain text", http.StatusServiceUnavailable, "busy\n", nil, "busy"},
		{"unauthorized", http.StatusUnauthorized, `{"error":"Unauthorized"}`, ErrUnauthorized, "Unauthorized"},
		{"not found", http.StatusNotFound, `{"error":"Directory not found"}`, ErrNotFound, "Directory not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newFakeDevice(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.ListFiles(context.Background(), "sd", "/missing")
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want *StatusError", err)
			}
			if se.StatusCode != tt.status || se.Message != tt.wantText {
				t.Errorf("StatusError = %+v", se)
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("errors.Is(%v) = false", tt.wantIs)
			}
		})
	}
}

func TestNoTokenSendsNoAuthorization(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	if _, err := c.FetchConfig(context.Background()); err != nil {
		t.Fatalf("FetchConfig() error = %v", err)
	}
	if auth != "" {
		t.Errorf("Authorization = %q, want none", auth)
	}
}
