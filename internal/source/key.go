// Package source implements the process-wide media source registry, the
// source lifecycle/event model, and stream identity parsing.
package source

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultVhost is the virtual host used when vhosts are disabled or the
// requested host does not name a vhost.
const DefaultVhost = "__defaultVhost__"

// Schema names one egress protocol family.
type Schema string

// Known schemas. The first three, in this order, are the ones FindAny
// probes; ts and fmp4 are not probed.
const (
	SchemaRTMP Schema = "rtmp"
	SchemaRTSP Schema = "rtsp"
	SchemaHLS  Schema = "hls"
	SchemaTS   Schema = "ts"
	SchemaFMP4 Schema = "fmp4"
)

// StreamKey is the four-level identity of one logical stream per schema.
// Lookups and registrations are exact-match on all four fields.
type StreamKey struct {
	Schema Schema
	Vhost  string
	App    string
	Stream string
}

// Tuple is the schema-less part of a stream identity.
type Tuple struct {
	Vhost  string
	App    string
	Stream string
}

// Key combines the tuple with a schema.
func (t Tuple) Key(schema Schema) StreamKey {
	return StreamKey{Schema: schema, Vhost: t.Vhost, App: t.App, Stream: t.Stream}
}

// URL renders the canonical stream path.
func (k StreamKey) URL() string {
	return string(k.Schema) + "://" + k.Vhost + "/" + k.App + "/" + k.Stream
}

// String implements fmt.Stringer.
func (k StreamKey) String() string { return k.URL() }

// MediaInfo is a parsed stream URL.
type MediaInfo struct {
	Schema Schema
	Host   string
	Port   int
	Vhost  string
	App    string
	Stream string
	Params url.Values
}

// Key returns the registry key the info addresses.
func (m MediaInfo) Key() StreamKey {
	return StreamKey{Schema: m.Schema, Vhost: m.Vhost, App: m.App, Stream: m.Stream}
}

// isLocalHost reports whether host is an address rather than a vhost name.
func isLocalHost(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	return net.ParseIP(host) != nil
}

// NormalizeVhost applies the vhost collapse rules: empty or address hosts
// become DefaultVhost, and disabling vhost support collapses everything.
func NormalizeVhost(vhost string, enableVhost bool) string {
	if !enableVhost || vhost == "" || isLocalHost(vhost) {
		return DefaultVhost
	}
	return vhost
}

// ParseURL parses a stream URL of the shape
// <schema>://<host>[:<port>]/<app>/<stream>[/extra][?vhost=<name>&...].
// The stream id absorbs any path suffix beyond the second segment. An
// explicit ?vhost= parameter overrides the host-derived vhost.
func ParseURL(raw string, enableVhost bool) (MediaInfo, error) {
	var info MediaInfo
	u, err := url.Parse(raw)
	if err != nil {
		return info, fmt.Errorf("parsing stream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return info, fmt.Errorf("stream url missing schema or host: %q", raw)
	}

	info.Schema = Schema(strings.ToLower(u.Scheme))
	info.Host = u.Hostname()
	if p := u.Port(); p != "" {
		fmt.Sscanf(p, "%d", &info.Port)
	}
	info.Params = u.Query()

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return info, fmt.Errorf("stream url needs /<app>/<stream>: %q", raw)
	}
	info.App = segments[0]
	info.Stream = strings.Join(segments[1:], "/")

	vhost := info.Host
	if v := info.Params.Get("vhost"); v != "" {
		vhost = v
	}
	info.Vhost = NormalizeVhost(vhost, enableVhost)
	return info, nil
}

// Compose renders the canonical form of the info: normalized vhost as host,
// no credentials, sorted query without the vhost parameter.
func (m MediaInfo) Compose() string {
	var sb strings.Builder
	sb.WriteString(string(m.Schema))
	sb.WriteString("://")
	sb.WriteString(m.Vhost)
	sb.WriteByte('/')
	sb.WriteString(m.App)
	sb.WriteByte('/')
	sb.WriteString(m.Stream)

	params := url.Values{}
	for k, vs := range m.Params {
		if k == "vhost" {
			continue
		}
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	if enc := params.Encode(); enc != "" {
		sb.WriteByte('?')
		sb.WriteString(enc)
	}
	return sb.String()
}
