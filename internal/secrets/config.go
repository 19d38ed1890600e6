package secrets

import "github.com/fyrsmithlabs/autopilot/internal/config"

// FromConfig builds the scrubber described by cfg: the regex rules,
// followed by gitleaks when enabled. Disabled scrubbing yields Nop.
func FromConfig(cfg config.SecretsConfig) (Scrubber, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	allow, err := LoadAllowlist(cfg.AllowlistFile)
	if err != nil {
		return nil, err
	}
	rx, err := NewRegexScrubber(DefaultRules(), allow)
	if err != nil {
		return nil, err
	}
	if !cfg.Gitleaks {
		return rx, nil
	}
	gl, err := NewGitleaksScrubber(allow)
	if err != nil {
		return nil, err
	}
	return Chain{rx, gl}, nil
}
