package drill

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidScript reports a script that cannot be replayed.
var ErrInvalidScript = errors.New("invalid drill script")

// LoadScript reads and validates a script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes a script, rejecting unknown fields.
func ParseScript(data []byte) (*Script, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Script
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScript, err)
	}
	if strings.TrimSpace(s.CaseID) == "" {
		return nil, fmt.Errorf("%w: case_id is required", ErrInvalidScript)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("%w: at least one step is required", ErrInvalidScript)
	}
	for i, st := range s.Steps {
		if strings.TrimSpace(st.Say) == "" {
			return nil, fmt.Errorf("%w: step %d has nothing to say", ErrInvalidScript, i+1)
		}
		switch st.Banner {
		case "", BannerNone, "watch", "elevated", "critical":
		default:
			return nil, fmt.Errorf("%w: step %d: unknown banner %q", ErrInvalidScript, i+1, st.Banner)
		}
	}
	return &s, nil
}
