// ABOUTME: Reading provisioned Java-style .properties files referenced by file:// URIs
// ABOUTME: Parsing is delegated to magiconair/properties with ${} expansion disabled

package capability

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/magiconair/properties"
)

// Properties is a decoded provisioning payload.
type Properties map[string]string

// Get returns the value for key, or def when unset.
func (p Properties) Get(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// FileURI converts an absolute or relative path into a file:// URI.
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// LoadProperties reads the payload at uri. An empty uri yields empty
// properties.
func LoadProperties(uri string) (Properties, error) {
	if uri == "" {
		return Properties{}, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	data, err := os.ReadFile(filepath.FromSlash(u.Path))
	if err != nil {
		return nil, err
	}
	return ParseProperties(data)
}

// ParseProperties decodes a .properties document: "=", ":" or whitespace
// separators, backslash escapes, \uXXXX sequences, and continuation lines.
// Values are taken literally; ${...} references are not expanded.
func ParseProperties(data []byte) (Properties, error) {
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing properties: %w", err)
	}
	return Properties(p.Map()), nil
}
