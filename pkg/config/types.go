// Package config loads the daemon configuration and rule files.
package config

import (
	"slices"
	"time"
)

// Config is the daemon configuration as written in YAML.
type Config struct {
	DefaultAction DefaultActionSpec `yaml:"default_action" json:"default_action"`
	UserDefaults  []UserDefaultSpec `yaml:"user_defaults,omitempty" json:"user_defaults,omitempty"`
	CurrentUserID uint32            `yaml:"current_user_id,omitempty" json:"current_user_id,omitempty"`

	Sink    string `yaml:"sink,omitempty" json:"sink,omitempty"` // memory (default) or ebpf
	PinPath string `yaml:"pin_path,omitempty" json:"pin_path,omitempty"`

	// LoopbackInterface is scanned for addresses exempt from the rules.
	LoopbackInterface string `yaml:"loopback_interface,omitempty" json:"loopback_interface,omitempty"`

	DomainCache DomainCacheSpec `yaml:"domain_cache,omitempty" json:"domain_cache,omitempty"`

	// StorePath is the directory holding the committed rule set and its
	// history. Empty keeps history in memory only.
	StorePath string `yaml:"store_path,omitempty" json:"store_path,omitempty"`

	// AuditLog is a file that receives every policy event. Empty
	// disables it.
	AuditLog string `yaml:"audit_log,omitempty" json:"audit_log,omitempty"`

	API APISpec `yaml:"api,omitempty" json:"api,omitempty"`

	RuleSet `yaml:",inline"`

	Warnings []string `yaml:"-" json:"warnings,omitempty"` // non-fatal validation warnings
}

// RuleSet is the part of the configuration that can be replaced at run
// time.
type RuleSet struct {
	Rules       []RuleSpec       `yaml:"rules,omitempty" json:"rules,omitempty"`
	DomainRules []DomainRuleSpec `yaml:"domain_rules,omitempty" json:"domain_rules,omitempty"`
}

// DefaultActionSpec is the pair of per-direction defaults.
type DefaultActionSpec struct {
	Ingress string `yaml:"ingress" json:"ingress"`
	Egress  string `yaml:"egress" json:"egress"`
}

// UserDefaultSpec overrides the defaults for one user.
type UserDefaultSpec struct {
	UserID  uint32 `yaml:"user_id" json:"user_id"`
	Ingress string `yaml:"ingress" json:"ingress"`
	Egress  string `yaml:"egress" json:"egress"`
}

// APISpec configures the control surfaces. Command-line flags override
// the listen addresses.
type APISpec struct {
	HTTPAddr string   `yaml:"http_addr,omitempty" json:"http_addr,omitempty"`
	GRPCAddr string   `yaml:"grpc_addr,omitempty" json:"grpc_addr,omitempty"`
	APIKeys  []string `yaml:"api_keys,omitempty" json:"-"`
}

// DomainCacheSpec tunes the learned-address cache.
type DomainCacheSpec struct {
	MinTTL     time.Duration `yaml:"min_ttl,omitempty" json:"min_ttl,omitempty"`
	GCInterval time.Duration `yaml:"gc_interval,omitempty" json:"gc_interval,omitempty"`
}

// RuleSpec is the textual form of a rule.
type RuleSpec struct {
	Name        string   `yaml:"name,omitempty" json:"name,omitempty"`
	Direction   string   `yaml:"direction" json:"direction"`
	Action      string   `yaml:"action" json:"action"`
	Protocol    string   `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	AppUID      uint32   `yaml:"app_uid,omitempty" json:"app_uid,omitempty"`
	UserID      uint32   `yaml:"user_id,omitempty" json:"user_id,omitempty"`
	RemoteAddrs []string `yaml:"remote_addrs,omitempty" json:"remote_addrs,omitempty"`
	LocalAddrs  []string `yaml:"local_addrs,omitempty" json:"local_addrs,omitempty"`
	RemotePorts []string `yaml:"remote_ports,omitempty" json:"remote_ports,omitempty"`
	LocalPorts  []string `yaml:"local_ports,omitempty" json:"local_ports,omitempty"`
}

// DomainRuleSpec is the textual form of a domain rule.
type DomainRuleSpec struct {
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	UserID  uint32   `yaml:"user_id" json:"user_id"`
	AppUID  uint32   `yaml:"app_uid,omitempty" json:"app_uid,omitempty"`
	Action  string   `yaml:"action" json:"action"`
	Domains []string `yaml:"domains" json:"domains"`
}

// Defaults applied by Parse.
const (
	DefaultLoopbackInterface = "lo"
	DefaultMinTTL            = 30 * time.Second
	DefaultGCInterval        = 10 * time.Second
)

// Clone returns a deep copy of rs.
func (rs *RuleSet) Clone() *RuleSet {
	if rs == nil {
		return &RuleSet{}
	}
	out := &RuleSet{}
	for _, r := range rs.Rules {
		r.RemoteAddrs = slices.Clone(r.RemoteAddrs)
		r.LocalAddrs = slices.Clone(r.LocalAddrs)
		r.RemotePorts = slices.Clone(r.RemotePorts)
		r.LocalPorts = slices.Clone(r.LocalPorts)
		out.Rules = append(out.Rules, r)
	}
	for _, r := range rs.DomainRules {
		r.Domains = slices.Clone(r.Domains)
		out.DomainRules = append(out.DomainRules, r)
	}
	return out
}
