// Package universe holds the static list of tracked companies.
package universe

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed universe.yaml
var defaultYAML []byte

type Company struct {
	Ticker string  `yaml:"ticker"`
	Name   string  `yaml:"name"`
	Shares float64 `yaml:"shares"`
}

type Universe struct {
	Companies []Company `yaml:"companies"`
}

// Default returns the embedded universe.
func Default() (*Universe, error) {
	return parse(defaultYAML)
}

// Load reads a universe file; an empty path yields the embedded default.
func Load(path string) (*Universe, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Universe, error) {
	var u Universe
	if err := yaml.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("parse universe: %w", err)
	}
	seen := make(map[string]struct{}, len(u.Companies))
	out := u.Companies[:0]
	for _, c := range u.Companies {
		c.Ticker = strings.ToUpper(strings.TrimSpace(c.Ticker))
		if c.Ticker == "" {
			continue
		}
		if _, dup := seen[c.Ticker]; dup {
			continue
		}
		seen[c.Ticker] = struct{}{}
		out = append(out, c)
	}
	u.Companies = out
	if len(u.Companies) == 0 {
		return nil, fmt.Errorf("universe is empty")
	}
	return &u, nil
}

func (u *Universe) Tickers() []string {
	out := make([]string, 0, len(u.Companies))
	for _, c := range u.Companies {
		out = append(out, c.Ticker)
	}
	return out
}

func (u *Universe) Names() map[string]string {
	out := make(map[string]string, len(u.Companies))
	for _, c := range u.Companies {
		if c.Name != "" {
			out[c.Ticker] = c.Name
		}
	}
	return out
}

// Shares returns the fallback share counts, omitting companies without one.
func (u *Universe) Shares() map[string]float64 {
	out := make(map[string]float64, len(u.Companies))
	for _, c := range u.Companies {
		if c.Shares > 0 {
			out[c.Ticker] = c.Shares
		}
	}
	return out
}
