package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/psaab/netfw/pkg/classifier"
	"github.com/psaab/netfw/pkg/rule"
)

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration, fills in defaults and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := decodeStrict(data, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Warnings = ValidateConfig(cfg)
	return cfg, nil
}

// ParseRuleSet decodes a rule file holding only rules and domain rules.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	rs := &RuleSet{}
	if err := decodeStrict(data, rs); err != nil {
		return nil, err
	}
	if _, err := rs.Compile(); err != nil {
		return nil, err
	}
	return rs, nil
}

// LoadRuleSet reads a rule file.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	rs, err := ParseRuleSet(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// MarshalRuleSet encodes rs as YAML.
func MarshalRuleSet(rs *RuleSet) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rs); err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.DefaultAction.Ingress == "" {
		cfg.DefaultAction.Ingress = rule.Allow.String()
	}
	if cfg.DefaultAction.Egress == "" {
		cfg.DefaultAction.Egress = rule.Allow.String()
	}
	if cfg.LoopbackInterface == "" {
		cfg.LoopbackInterface = DefaultLoopbackInterface
	}
	if cfg.DomainCache.MinTTL == 0 {
		cfg.DomainCache.MinTTL = DefaultMinTTL
	}
	if cfg.DomainCache.GCInterval == 0 {
		cfg.DomainCache.GCInterval = DefaultGCInterval
	}
}

// Validate checks every value that would make the configuration unusable.
func (c *Config) Validate() error {
	switch c.Sink {
	case "", "memory", "ebpf":
	default:
		return fmt.Errorf("sink: unknown type %q", c.Sink)
	}
	if c.DomainCache.MinTTL < 0 {
		return fmt.Errorf("domain_cache: min_ttl %s is negative", c.DomainCache.MinTTL)
	}
	if c.DomainCache.GCInterval < 0 {
		return fmt.Errorf("domain_cache: gc_interval %s is negative", c.DomainCache.GCInterval)
	}
	if _, err := c.Defaults(); err != nil {
		return err
	}
	if _, err := c.RuleSet.Compile(); err != nil {
		return err
	}
	return nil
}

// ValidateConfig returns non-fatal warnings about cfg.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	names := make(map[string]int)
	for i, r := range cfg.Rules {
		if r.Name != "" {
			if j, dup := names[r.Name]; dup {
				warnings = append(warnings, fmt.Sprintf("rule %d: name %q already used by rule %d", i, r.Name, j))
			} else {
				names[r.Name] = i
			}
		}
		p, _ := rule.ParseProtocol(r.Protocol)
		if p.PortLess() && (len(r.RemotePorts) > 0 || len(r.LocalPorts) > 0) {
			warnings = append(warnings, fmt.Sprintf("rule %d: ports are ignored for protocol %s", i, p))
		}
	}
	if cfg.Sink == "ebpf" && cfg.PinPath == "" {
		warnings = append(warnings, "sink ebpf without pin_path: maps are dropped when the daemon exits")
	}
	return warnings
}

// Defaults converts the default action settings.
func (c *Config) Defaults() (*Defaults, error) {
	in, err := rule.ParseAction(c.DefaultAction.Ingress)
	if err != nil {
		return nil, fmt.Errorf("default_action.ingress: %w", err)
	}
	out, err := rule.ParseAction(c.DefaultAction.Egress)
	if err != nil {
		return nil, fmt.Errorf("default_action.egress: %w", err)
	}
	d := &Defaults{
		Global:        classifier.DefaultAction{Ingress: in, Egress: out},
		CurrentUserID: c.CurrentUserID,
	}
	for i, u := range c.UserDefaults {
		in, err := rule.ParseAction(u.Ingress)
		if err != nil {
			return nil, fmt.Errorf("user_defaults[%d].ingress: %w", i, err)
		}
		out, err := rule.ParseAction(u.Egress)
		if err != nil {
			return nil, fmt.Errorf("user_defaults[%d].egress: %w", i, err)
		}
		d.PerUser = append(d.PerUser, classifier.DefaultAction{UserID: u.UserID, Ingress: in, Egress: out})
	}
	return d, nil
}

// Defaults is the typed form of the default action settings.
type Defaults struct {
	Global        classifier.DefaultAction
	PerUser       []classifier.DefaultAction
	CurrentUserID uint32
}

// Compiled is the typed form of a RuleSet.
type Compiled struct {
	Rules       []rule.Rule
	DomainRules []rule.DomainRule
}

// Compile converts and validates every rule. Rule limits are enforced.
func (rs *RuleSet) Compile() (*Compiled, error) {
	out := &Compiled{}
	for i := range rs.Rules {
		r, err := rs.Rules[i].ToRule()
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		out.Rules = append(out.Rules, r)
	}
	if err := rule.CheckLimits(out.Rules); err != nil {
		return nil, err
	}
	for i := range rs.DomainRules {
		r, err := rs.DomainRules[i].ToDomainRule()
		if err != nil {
			return nil, fmt.Errorf("domain_rules[%d]: %w", i, err)
		}
		out.DomainRules = append(out.DomainRules, r)
	}
	if err := rule.CheckDomainLimits(out.DomainRules); err != nil {
		return nil, err
	}
	return out, nil
}

// ToRule parses and validates the rule.
func (s *RuleSpec) ToRule() (rule.Rule, error) {
	r := rule.Rule{Name: s.Name, AppUID: s.AppUID, UserID: s.UserID}
	var err error
	if r.Direction, err = rule.ParseDirection(s.Direction); err != nil {
		return rule.Rule{}, err
	}
	if r.Action, err = rule.ParseAction(s.Action); err != nil {
		return rule.Rule{}, err
	}
	if r.Protocol, err = rule.ParseProtocol(s.Protocol); err != nil {
		return rule.Rule{}, err
	}
	if r.RemoteAddrs, err = parseAddrs(s.RemoteAddrs); err != nil {
		return rule.Rule{}, fmt.Errorf("remote_addrs: %w", err)
	}
	if r.LocalAddrs, err = parseAddrs(s.LocalAddrs); err != nil {
		return rule.Rule{}, fmt.Errorf("local_addrs: %w", err)
	}
	if r.RemotePorts, err = parsePorts(s.RemotePorts); err != nil {
		return rule.Rule{}, fmt.Errorf("remote_ports: %w", err)
	}
	if r.LocalPorts, err = parsePorts(s.LocalPorts); err != nil {
		return rule.Rule{}, fmt.Errorf("local_ports: %w", err)
	}
	if err := r.Validate(); err != nil {
		return rule.Rule{}, err
	}
	return r, nil
}

func parseAddrs(in []string) ([]rule.IPParam, error) {
	var out []rule.IPParam
	for _, s := range in {
		p, err := rule.ParseIPParam(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func parsePorts(in []string) ([]rule.PortRange, error) {
	var out []rule.PortRange
	for _, s := range in {
		p, err := rule.ParsePortRange(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ToDomainRule parses and validates the domain rule.
func (s *DomainRuleSpec) ToDomainRule() (rule.DomainRule, error) {
	act, err := rule.ParseAction(s.Action)
	if err != nil {
		return rule.DomainRule{}, err
	}
	r := rule.DomainRule{Name: s.Name, UserID: s.UserID, AppUID: s.AppUID, Action: act}
	for _, d := range s.Domains {
		r.Domains = append(r.Domains, rule.ParseDomainParam(d))
	}
	if err := r.Validate(); err != nil {
		return rule.DomainRule{}, err
	}
	return r, nil
}

// FromRule returns the textual form of r.
func FromRule(r rule.Rule) RuleSpec {
	s := RuleSpec{
		Name:      r.Name,
		Direction: r.Direction.String(),
		Action:    r.Action.String(),
		AppUID:    r.AppUID,
		UserID:    r.UserID,
	}
	if r.Protocol != rule.ProtoAny {
		s.Protocol = r.Protocol.String()
	}
	for _, a := range r.RemoteAddrs {
		s.RemoteAddrs = append(s.RemoteAddrs, a.String())
	}
	for _, a := range r.LocalAddrs {
		s.LocalAddrs = append(s.LocalAddrs, a.String())
	}
	for _, p := range r.RemotePorts {
		s.RemotePorts = append(s.RemotePorts, p.String())
	}
	for _, p := range r.LocalPorts {
		s.LocalPorts = append(s.LocalPorts, p.String())
	}
	return s
}

// FromDomainRule returns the textual form of r.
func FromDomainRule(r rule.DomainRule) DomainRuleSpec {
	s := DomainRuleSpec{Name: r.Name, UserID: r.UserID, AppUID: r.AppUID, Action: r.Action.String()}
	for _, d := range r.Domains {
		s.Domains = append(s.Domains, d.String())
	}
	return s
}
