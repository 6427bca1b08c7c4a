package queue

import (
	"sort"
	"strings"
)

// patterns holds configs keyed by queue name or "prefix*" pattern.
type patterns struct {
	byName map[string]Config
}

func (p *patterns) set(cfg Config) {
	if p.byName == nil {
		p.byName = make(map[string]Config)
	}
	p.byName[cfg.Name] = cfg
}

func (p *patterns) exact(name string) (Config, bool) {
	cfg, ok := p.byName[name]
	return cfg, ok
}

// match returns the config for a concrete queue: an exact name wins,
// then the pattern with the longest prefix.
func (p *patterns) match(queue string) (Config, bool) {
	if cfg, ok := p.byName[queue]; ok {
		return cfg, true
	}
	var (
		best    Config
		bestLen = -1
	)
	for name, cfg := range p.byName {
		prefix, ok := strings.CutSuffix(name, "*")
		if !ok || !strings.HasPrefix(queue, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best, bestLen = cfg, len(prefix)
		}
	}
	return best, bestLen >= 0
}

func (p *patterns) all() []Config {
	out := make([]Config, 0, len(p.byName))
	for _, cfg := range p.byName {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// IsPattern reports whether name is a prefix pattern.
func IsPattern(name string) bool {
	return strings.HasSuffix(name, "*")
}
