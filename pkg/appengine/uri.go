package appengine

import (
	"fmt"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// AppURI is a parsed App uri of the form
// host[:port]/(factory/)?app@sha256:<64-hex>, per spec.md §6.
type AppURI struct {
	Raw     string
	Host    string // may include ":port"
	Factory string // may be empty, or "factory" or "a/b" for deeper repo paths
	Repo    string // factory + "/" + app, the full pre-"@" path minus host
	App     string
	Digest  digest.Digest
}

// ParseAppURI parses and validates u per spec.md §6/§8 scenario 2.
//
// Parse rule: split on "@"; left side split on "/"; the last segment is
// app, segments before it form repo/factory. An image with three pre-"@"
// segments has factory = first two, app = third.
func ParseAppURI(u string) (AppURI, error) {
	if u == "" {
		return AppURI{}, fmt.Errorf("%w: empty uri", ErrInvalidArgument)
	}

	at := strings.LastIndex(u, "@")
	if at < 0 {
		return AppURI{}, fmt.Errorf("%w: missing '@' in %q", ErrInvalidArgument, u)
	}
	left, right := u[:at], u[at+1:]
	if left == "" {
		return AppURI{}, fmt.Errorf("%w: empty path before '@' in %q", ErrInvalidArgument, u)
	}

	const prefix = "sha256:"
	if !strings.HasPrefix(right, prefix) {
		return AppURI{}, fmt.Errorf("%w: digest must start with %q in %q", ErrInvalidArgument, prefix, u)
	}
	hex := strings.TrimPrefix(right, prefix)
	if len(hex) < 64 {
		return AppURI{}, fmt.Errorf("%w: digest too short in %q", ErrInvalidArgument, u)
	}
	if len(hex) > 64 {
		return AppURI{}, fmt.Errorf("%w: digest too long in %q", ErrInvalidArgument, u)
	}
	dg := digest.NewDigestFromEncoded(digest.SHA256, hex)
	if err := dg.Validate(); err != nil {
		return AppURI{}, fmt.Errorf("%w: invalid digest in %q: %v", ErrInvalidArgument, u, err)
	}

	segs := strings.Split(left, "/")
	if len(segs) < 2 {
		return AppURI{}, fmt.Errorf("%w: missing path in %q", ErrInvalidArgument, u)
	}

	host := segs[0]
	pathSegs := segs[1:]
	app := pathSegs[len(pathSegs)-1]
	factory := ""
	if len(pathSegs) > 1 {
		factory = strings.Join(pathSegs[:len(pathSegs)-1], "/")
	}
	repo := strings.Join(pathSegs, "/")

	return AppURI{
		Raw:     u,
		Host:    host,
		Factory: factory,
		Repo:    repo,
		App:     app,
		Digest:  dg,
	}, nil
}

// Format reconstructs the original uri string from its parsed form, so that
// Format(Parse(u)) == u (spec.md §8 round-trip law).
func (a AppURI) Format() string {
	return fmt.Sprintf("%s/%s@%s", a.Host, a.Repo, a.Digest.String())
}

func (a AppURI) String() string { return a.Format() }
