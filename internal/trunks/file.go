package trunks

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileEntry struct {
	Account  `yaml:",inline"`
	Register bool   `yaml:"register"`
	IP       string `yaml:"registered_ip"`
	Expires  int    `yaml:"expires"`
	Disabled bool   `yaml:"disabled"`
}

type seedFile struct {
	Trunks []fileEntry `yaml:"trunks"`
}

// LoadFile reads trunk definitions from a YAML file. Entries marked
// `register: true` come back already registered (REGISTER is done by the
// PBX in front of this service).
func LoadFile(path string, now time.Time) ([]Account, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trunks: read %s: %w", path, err)
	}
	return Parse(b, now)
}

func Parse(b []byte, now time.Time) ([]Account, error) {
	var f seedFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("trunks: parse: %w", err)
	}

	out := make([]Account, 0, len(f.Trunks))
	seen := map[string]bool{}
	for i, e := range f.Trunks {
		a, err := NewAccount(e.Account, now)
		if err != nil {
			return nil, fmt.Errorf("trunks: entry %d: %w", i, err)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("trunks: entry %d: %w", i, ErrDuplicate)
		}
		seen[a.ID] = true
		if e.Register {
			if err := a.StartRegistration(now); err != nil {
				return nil, err
			}
			if err := a.CompleteRegistration(e.IP, e.Expires, now); err != nil {
				return nil, err
			}
		}
		if e.Disabled {
			a.Deactivate(now)
		}
		out = append(out, a)
	}
	return out, nil
}
