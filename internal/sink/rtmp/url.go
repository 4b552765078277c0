package rtmp

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const defaultPort = "1935"

// Target is a parsed publish URL.
type Target struct {
	// Addr is host:port for the TCP connection.
	Addr string
	App  string
	// Name is the publishing name: stream key plus any query.
	Name  string
	TCURL string
}

// ParseURL splits rtmp://host[:port]/app/streamKey[?query]. The app may
// contain slashes; the last path element is the stream key.
func ParseURL(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("rtmp: parse url: %w", err)
	}
	if u.Scheme != "rtmp" {
		return Target{}, fmt.Errorf("rtmp: unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return Target{}, fmt.Errorf("rtmp: missing host in %q", raw)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	path := strings.Trim(u.Path, "/")
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return Target{}, fmt.Errorf("rtmp: url %q needs /app/streamKey", raw)
	}
	t := Target{
		Addr: net.JoinHostPort(u.Hostname(), port),
		App:  path[:i],
		Name: path[i+1:],
	}
	if u.RawQuery != "" {
		t.Name += "?" + u.RawQuery
	}
	t.TCURL = "rtmp://" + u.Host + "/" + t.App
	return t, nil
}

// ComposeURL joins a server address, app, stream key and optional query into
// a publish URL. server may carry the rtmp:// scheme or not.
func ComposeURL(server, app, streamKey, query string) string {
	server = strings.TrimSuffix(strings.TrimPrefix(server, "rtmp://"), "/")
	s := "rtmp://" + server + "/" + strings.Trim(app, "/") + "/" + streamKey
	if query = strings.TrimPrefix(query, "?"); query != "" {
		s += "?" + query
	}
	return s
}
