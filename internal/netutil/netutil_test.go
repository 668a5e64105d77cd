package netutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		header map[string]string
		want   string
	}{
		{"remote addr", "192.0.2.10:5123", nil, "192.0.2.10"},
		{"forwarded first valid hop", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "junk, 203.0.113.7, 10.0.0.2"}, "203.0.113.7"},
		{"real ip", "10.0.0.1:80", map[string]string{"X-Real-IP": "198.51.100.3"}, "198.51.100.3"},
		{"ipv6", "[2001:db8::1]:443", nil, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := ExtractClientIP(r); got.String() != tt.want {
				t.Errorf("ExtractClientIP = %v, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyUserAgent(t *testing.T) {
	tests := map[string]string{
		"VLC/3.0.18 LibVLC/3.0.18":                   "vlc",
		"Lavf/60.3.100":                              "media_player",
		"curl/8.4.0":                                 "cli",
		"Mozilla/5.0 (Linux; Android 14) Chrome/120": "android_browser",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)":   "ios_browser",
		"Mozilla/5.0 (X11; Linux x86_64)":            "browser",
		"":                                           "unknown",
		"SomethingElse/1.0":                          "other",
	}
	for ua, want := range tests {
		if got := ClassifyUserAgent(ua); got != want {
			t.Errorf("ClassifyUserAgent(%q) = %q, want %q", ua, got, want)
		}
	}
}

func TestServerResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	ServerResponse(rec, http.StatusNotFound, "No song is currently playing", map[string]int{"ignored": 1})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body ServerRes
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Success || body.Error != "No song is currently playing" || body.Data != nil {
		t.Errorf("body = %+v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct{ ID string }
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"ID":"abc"}`))
	if err := DecodeJSON(httptest.NewRecorder(), r, &v); err != nil || v.ID != "abc" {
		t.Errorf("DecodeJSON = %v, %+v", err, v)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if err := DecodeJSON(httptest.NewRecorder(), r, &v); err == nil {
		t.Error("empty body should fail")
	}
}
