package netutil

import (
	"net"
	"net/http"
	"strings"
)

// ExtractClientIP prefers the first parseable X-Forwarded-For hop, then
// X-Real-IP, then the connection address.
func ExtractClientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for p := range strings.SplitSeq(xff, ",") {
			if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
				return ip
			}
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// ClassifyUserAgent buckets a listener's user agent for reporting.
func ClassifyUserAgent(ua string) string {
	l := strings.ToLower(ua)
	switch {
	case l == "":
		return "unknown"
	case strings.Contains(l, "vlc"):
		return "vlc"
	case strings.Contains(l, "winamp"):
		return "winamp"
	case strings.Contains(l, "mpv"), strings.Contains(l, "lavf"):
		return "media_player"
	case strings.Contains(l, "curl"), strings.Contains(l, "wget"):
		return "cli"
	case strings.Contains(l, "android"):
		return "android_browser"
	case strings.Contains(l, "iphone"), strings.Contains(l, "ipad"):
		return "ios_browser"
	case strings.Contains(l, "mozilla"):
		return "browser"
	default:
		return "other"
	}
}
