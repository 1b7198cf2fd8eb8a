package manup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/stepherg/manup/version"
)

// PlatformPolicy is the update rule for one platform.
type PlatformPolicy struct {
	Latest  string
	Minimum string
	URL     string
	Enabled bool
	// Extra holds any additional keys of the platform entry, passed through unchanged.
	Extra map[string]json.RawMessage
}

// Configuration is a decoded configuration document: one policy per platform identifier
// plus top-level extension properties.
type Configuration struct {
	Platforms map[string]PlatformPolicy
	Extra     map[string]json.RawMessage
}

var policyKeys = [...]string{"latest", "minimum", "url", "enabled"}

// Policy returns the policy for platform, if present.
func (c *Configuration) Policy(platform string) (PlatformPolicy, bool) {
	if c == nil || c.Platforms == nil {
		return PlatformPolicy{}, false
	}
	p, ok := c.Platforms[platform]
	return p, ok
}

// PlatformNames lists the platforms in the document, sorted.
func (c *Configuration) PlatformNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Platforms))
	for name := range c.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseConfiguration decodes and validates a configuration document.
func ParseConfiguration(data []byte) (*Configuration, error) {
	var cfg Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UnmarshalJSON splits the top-level object into platform entries and extensions. A
// top-level value is a platform entry when it is an object carrying latest or minimum;
// objects with only url or enabled are extensions.
func (c *Configuration) UnmarshalJSON(data []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if top == nil {
		return fmt.Errorf("%w: document is null", ErrInvalidConfig)
	}
	out := Configuration{Platforms: make(map[string]PlatformPolicy)}
	for key, raw := range top {
		fields, ok := policyFields(raw)
		if !ok {
			if out.Extra == nil {
				out.Extra = make(map[string]json.RawMessage)
			}
			out.Extra[key] = raw
			continue
		}
		p, err := decodePolicy(fields)
		if err != nil {
			return fmt.Errorf("platform %q: %w", key, err)
		}
		out.Platforms[key] = p
	}
	*c = out
	return nil
}

// MarshalJSON writes the document back in its wire form.
func (c Configuration) MarshalJSON() ([]byte, error) {
	top := make(map[string]any, len(c.Platforms)+len(c.Extra))
	for k, v := range c.Extra {
		top[k] = v
	}
	for k, p := range c.Platforms {
		top[k] = p
	}
	return json.Marshal(top)
}

func (p PlatformPolicy) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Extra)+len(policyKeys))
	for k, v := range p.Extra {
		m[k] = v
	}
	m["latest"] = p.Latest
	m["minimum"] = p.Minimum
	m["url"] = p.URL
	m["enabled"] = p.Enabled
	return json.Marshal(m)
}

// UnmarshalJSON decodes a single platform entry with the same validation a document
// entry receives.
func (p *PlatformPolicy) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	out, err := decodePolicy(fields)
	if err != nil {
		return err
	}
	*p = out
	return nil
}

func policyFields(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, false
	}
	_, hasLatest := fields["latest"]
	_, hasMinimum := fields["minimum"]
	if !hasLatest && !hasMinimum {
		return nil, false
	}
	return fields, true
}

func decodePolicy(fields map[string]json.RawMessage) (PlatformPolicy, error) {
	var p PlatformPolicy
	if err := requiredString(fields, "latest", &p.Latest); err != nil {
		return p, err
	}
	if err := requiredString(fields, "minimum", &p.Minimum); err != nil {
		return p, err
	}
	raw, ok := fields["enabled"]
	if !ok {
		return p, fmt.Errorf("%w: missing \"enabled\"", ErrInvalidPolicy)
	}
	if err := json.Unmarshal(raw, &p.Enabled); err != nil {
		return p, fmt.Errorf("%w: \"enabled\" must be a boolean", ErrInvalidPolicy)
	}
	if raw, ok := fields["url"]; ok {
		if err := json.Unmarshal(raw, &p.URL); err != nil {
			return p, fmt.Errorf("%w: \"url\" must be a string", ErrInvalidPolicy)
		}
	}
	if _, err := version.Parse(p.Latest); err != nil {
		return p, fmt.Errorf("%w: latest: %v", ErrInvalidPolicy, err)
	}
	if _, err := version.Parse(p.Minimum); err != nil {
		return p, fmt.Errorf("%w: minimum: %v", ErrInvalidPolicy, err)
	}
	for k, v := range fields {
		switch k {
		case "latest", "minimum", "url", "enabled":
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	return p, nil
}

func requiredString(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: missing %q", ErrInvalidPolicy, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %q must be a string", ErrInvalidPolicy, key)
	}
	if *dst == "" {
		return fmt.Errorf("%w: %q is empty", ErrInvalidPolicy, key)
	}
	return nil
}
