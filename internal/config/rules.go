package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"lifeline-offline/internal/cache"
	"lifeline-offline/internal/domain"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RulesFile is the YAML document named by CACHE_RULES_FILE.
//
//	rules:
//	  - name: journal-api
//	    pattern: /api/journal
//	    strategy: network-first
//	    cache: journal
//	    network_timeout: 5s
//	partitions:
//	  journal: {max_age: 168h, max_entries: 100}
//	crisis:
//	  urls: [/crisis, /crisis/hotlines]
//	  keywords: [suicide, self-harm]
type RulesFile struct {
	Rules      []RuleSpec              `yaml:"rules" validate:"dive"`
	Partitions map[string]cache.Policy `yaml:"partitions"`
	Crisis     CrisisSpec              `yaml:"crisis"`
}

type RuleSpec struct {
	Name           string `yaml:"name" validate:"required"`
	Pattern        string `yaml:"pattern" validate:"required"`
	Strategy       string `yaml:"strategy" validate:"required,oneof=cache-first network-first stale-while-revalidate cache-only network-only"`
	Cache          string `yaml:"cache" validate:"required_unless=Strategy network-only"`
	NetworkTimeout string `yaml:"network_timeout"`
}

type CrisisSpec struct {
	URLs     []string `yaml:"urls" validate:"dive,required"`
	Keywords []string `yaml:"keywords" validate:"dive,required"`
}

// Rules are the parsed contents of a RulesFile.
type Rules struct {
	Rules          []domain.CacheStrategyRule
	Policies       map[string]cache.Policy
	CrisisURLs     []string
	CrisisKeywords []string
}

func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (*Rules, error) {
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if err := validator.New().Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid rules file: %w", err)
	}

	out := &Rules{
		CrisisURLs:     file.Crisis.URLs,
		CrisisKeywords: file.Crisis.Keywords,
	}

	for _, spec := range file.Rules {
		pattern, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", spec.Name, err)
		}
		rule := domain.CacheStrategyRule{
			Name:      spec.Name,
			Pattern:   pattern,
			Strategy:  domain.Strategy(spec.Strategy),
			CacheName: spec.Cache,
		}
		if spec.NetworkTimeout != "" {
			timeout, err := time.ParseDuration(spec.NetworkTimeout)
			if err != nil || timeout <= 0 {
				return nil, fmt.Errorf("rule %s: invalid network_timeout %q", spec.Name, spec.NetworkTimeout)
			}
			rule.NetworkTimeout = timeout
		}
		out.Rules = append(out.Rules, rule)
	}

	if len(file.Partitions) > 0 {
		out.Policies = cache.DefaultPolicies()
		for name, policy := range file.Partitions {
			if (name == domain.CacheCrisis || name == domain.CacheCritical) && policy != (cache.Policy{}) {
				return nil, fmt.Errorf("partition %s cannot expire", name)
			}
			if policy.MaxAge < 0 || policy.MaxEntries < 0 {
				return nil, fmt.Errorf("partition %s: limits must not be negative", name)
			}
			out.Policies[name] = policy
		}
	}

	return out, nil
}
