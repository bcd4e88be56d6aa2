package appengine

import "testing"

func TestParseAppURI(t *testing.T) {
	cases := []struct {
		name        string
		uri         string
		wantHost    string
		wantFactory string
		wantApp     string
		wantRepo    string
	}{
		{
			name:        "factory/app",
			uri:         "host/factory/app@sha256:b0150d88116219cbf46ebb5dc08d8a559c4f1ab2731a788628fc7375b2372cb0",
			wantHost:    "host",
			wantFactory: "factory",
			wantApp:     "app",
			wantRepo:    "factory/app",
		},
		{
			name:        "host with port, no factory",
			uri:         "host:8080/alpine@sha256:b0150d88116219cbf46ebb5dc08d8a559c4f1ab2731a788628fc7375b2372cb0",
			wantHost:    "host:8080",
			wantFactory: "",
			wantApp:     "alpine",
			wantRepo:    "alpine",
		},
		{
			name:        "three pre-@ segments",
			uri:         "host/library/alpine/latest@sha256:b0150d88116219cbf46ebb5dc08d8a559c4f1ab2731a788628fc7375b2372cb0",
			wantHost:    "host",
			wantFactory: "library/alpine",
			wantApp:     "latest",
			wantRepo:    "library/alpine/latest",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseAppURI(tc.uri)
			if err != nil {
				t.Fatalf("ParseAppURI(%q) error: %v", tc.uri, err)
			}
			if got.Host != tc.wantHost {
				t.Errorf("Host = %q, want %q", got.Host, tc.wantHost)
			}
			if got.Factory != tc.wantFactory {
				t.Errorf("Factory = %q, want %q", got.Factory, tc.wantFactory)
			}
			if got.App != tc.wantApp {
				t.Errorf("App = %q, want %q", got.App, tc.wantApp)
			}
			if got.Repo != tc.wantRepo {
				t.Errorf("Repo = %q, want %q", got.Repo, tc.wantRepo)
			}
			if got.Format() != tc.uri {
				t.Errorf("Format() round-trip = %q, want %q", got.Format(), tc.uri)
			}
		})
	}
}

func TestParseAppURIRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"foo",
		"host/factory/app@",
		"host/factory/app@sha256:",
		"host/factory/app@sha256:131313",
	}

	for _, uri := range cases {
		t.Run(uri, func(t *testing.T) {
			if _, err := ParseAppURI(uri); err == nil {
				t.Fatalf("ParseAppURI(%q) succeeded, want InvalidArgument error", uri)
			}
		})
	}
}

func TestCountImageTokens(t *testing.T) {
	compose := `
services:
  web:
    image: nginx:latest
  # image: commented.example/foo:bar
  db:
    image: postgres:15
`
	if got := countImageTokens(compose); got != 2 {
		t.Errorf("countImageTokens = %d, want 2", got)
	}
}
