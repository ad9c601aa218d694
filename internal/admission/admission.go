// Package admission decides whether a new signaling connection's declared
// client version may enter the relay.
package admission

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// ErrUnsupportedVersion is wrapped by every *RejectError.
var ErrUnsupportedVersion = errors.New("unsupported client version")

var userAgentPattern = regexp.MustCompile(`^([^/]+)/(\d+)\.(\d+)\.(\d+) \(([^)]+)\)$`)

// UserAgent is a parsed "Name/Major.Minor.Patch (Platform)" string.
type UserAgent struct {
	Name     string
	Version  string
	Platform string
}

func ParseUserAgent(raw string) (UserAgent, bool) {
	m := userAgentPattern.FindStringSubmatch(raw)
	if m == nil {
		return UserAgent{}, false
	}
	return UserAgent{
		Name:     m[1],
		Version:  m[2] + "." + m[3] + "." + m[4],
		Platform: m[5],
	}, true
}

// RejectError carries the versions the relay would have accepted.
type RejectError struct {
	Agent     string
	Supported []string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s; supported versions: %s", ErrUnsupportedVersion, strings.Join(e.Supported, ", "))
}

func (e *RejectError) Unwrap() error { return ErrUnsupportedVersion }

type Config struct {
	SupportedVersions []string
	// AllowAny admits every client. The user agent is still parsed and logged.
	AllowAny bool
	Logger   *slog.Logger
}

type Filter struct {
	supported map[string]struct{}
	list      []string
	allowAny  bool
	log       *slog.Logger
}

func NewFilter(cfg Config) *Filter {
	f := &Filter{
		supported: make(map[string]struct{}, len(cfg.SupportedVersions)),
		allowAny:  cfg.AllowAny,
		log:       cfg.Logger,
	}
	for _, v := range cfg.SupportedVersions {
		if _, dup := f.supported[v]; dup {
			continue
		}
		f.supported[v] = struct{}{}
		f.list = append(f.list, v)
	}
	if f.log == nil {
		f.log = slog.Default()
	}
	return f
}

// Supported returns the accepted versions in configured order.
func (f *Filter) Supported() []string {
	return append([]string(nil), f.list...)
}

// Admit returns nil when the user agent may connect, or a *RejectError.
func (f *Filter) Admit(userAgent string) error {
	ua, ok := ParseUserAgent(userAgent)

	var err error
	switch {
	case f.allowAny:
	case !ok:
		err = &RejectError{Agent: userAgent, Supported: f.Supported()}
	default:
		if _, supported := f.supported[ua.Version]; !supported {
			err = &RejectError{Agent: userAgent, Supported: f.Supported()}
		}
	}

	attrs := []any{"admitted", err == nil, "bypass", f.allowAny}
	if ok {
		attrs = append(attrs, "client_name", ua.Name, "client_version", ua.Version, "client_platform", ua.Platform)
	} else {
		attrs = append(attrs, "user_agent", userAgent, "parse_error", true)
	}
	f.log.Info("client admission", attrs...)

	return err
}
