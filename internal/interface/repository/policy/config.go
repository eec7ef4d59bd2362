package policy

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ruleFile は復号ルールファイルの形式.
//
//	intercept_domains:
//	  - "*.example.com"
//	bypass_domains:
//	  - "bank.example.com"
type ruleFile struct {
	InterceptDomains []string `yaml:"intercept_domains"`
	BypassDomains    []string `yaml:"bypass_domains"`
}

func loadRuleFile(path string) (*ruleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultRuleFile(path)
		}
		return nil, err
	}

	var rules ruleFile
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	return &rules, nil
}

func createDefaultRuleFile(path string) (*ruleFile, error) {
	rules := &ruleFile{
		InterceptDomains: []string{},
		BypassDomains:    []string{},
	}

	data, err := yaml.Marshal(rules)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}
	return rules, nil
}

// prepare はパターンを正規化する
func (r *ruleFile) prepare() (intercept, bypass map[string]bool) {
	return normalize(r.InterceptDomains), normalize(r.BypassDomains)
}

func normalize(patterns []string) map[string]bool {
	m := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			m[p] = true
		}
	}
	return m
}
