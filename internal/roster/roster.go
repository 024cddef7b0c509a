// Package roster holds the list of known non-human group members (other
// agents and bots) that must never be onboarded as users.
package roster

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one known agent.
type Entry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type rosterFile struct {
	Agents []Entry `yaml:"agents"`
}

// Roster is an immutable, case-insensitive address set.
type Roster struct {
	entries []Entry
	index   map[string]struct{}
}

// New builds a roster from entries. Entries without an address are ignored.
func New(entries ...Entry) *Roster {
	r := &Roster{index: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		addr := strings.ToLower(strings.TrimSpace(e.Address))
		if addr == "" {
			continue
		}
		if _, dup := r.index[addr]; dup {
			continue
		}
		r.index[addr] = struct{}{}
		r.entries = append(r.entries, e)
	}
	return r
}

// Load reads a YAML roster file. An empty path yields an empty roster.
func Load(path string) (*Roster, error) {
	if path == "" {
		return New(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes roster YAML of the form:
//
//	agents:
//	  - name: helper
//	    address: "0xabc..."
func Parse(data []byte) (*Roster, error) {
	var f rosterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	return New(f.Agents...), nil
}

// Contains reports whether address belongs to a known agent.
func (r *Roster) Contains(address string) bool {
	if r == nil || address == "" {
		return false
	}
	_, ok := r.index[strings.ToLower(strings.TrimSpace(address))]
	return ok
}

func (r *Roster) Entries() []Entry {
	if r == nil {
		return nil
	}
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Roster) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}
