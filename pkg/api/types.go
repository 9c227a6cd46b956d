// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

import (
	"github.com/psaab/netfw/pkg/compiler"
	"github.com/psaab/netfw/pkg/config"
	"github.com/psaab/netfw/pkg/domain"
	"github.com/psaab/netfw/pkg/firewall"
)

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime string `json:"uptime"`
	firewall.Status
}

// TablesResponse is the dump of one direction's published tables.
type TablesResponse struct {
	Direction string                    `json:"direction"`
	Rules     int                       `json:"rules"`
	Tables    map[string][]compiler.Row `json:"tables"`
}

// RulesRequest replaces the active rule set. A Partial request only adds
// to the pending batch; the next non-partial request installs and commits
// everything batched so far together with its own rules.
type RulesRequest struct {
	config.RuleSet
	Comment string `json:"comment,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

// CompareResponse is returned by a commit check.
type CompareResponse struct {
	Rules       int    `json:"rules"`
	DomainRules int    `json:"domain_rules"`
	Diff        string `json:"diff"`
}

// RollbackRequest selects how many commits to go back (default 1).
type RollbackRequest struct {
	N int `json:"n"`
}

// DefaultActionRequest sets the default actions of one user, or the
// global defaults when UserID is -1.
type DefaultActionRequest struct {
	UserID  int64  `json:"user_id"`
	Ingress string `json:"ingress"`
	Egress  string `json:"egress"`
}

// CurrentUserRequest sets the foreground user.
type CurrentUserRequest struct {
	UserID uint32 `json:"user_id"`
}

// ClearRequest clears one kind of rules: ip, domain, default-action or all.
type ClearRequest struct {
	Kind string `json:"kind"`
}

// ClassifyRequest describes one packet. UID, when set, is the socket
// owner and determines UserID.
type ClassifyRequest struct {
	Direction string `json:"direction"`
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	SrcPort   uint16 `json:"src_port"`
	DstPort   uint16 `json:"dst_port"`
	Protocol  string `json:"protocol"`
	AppUID    uint32 `json:"app_uid"`
	UserID    uint32 `json:"user_id"`
	UID       uint32 `json:"uid,omitempty"`
}

// ClassifyResponse is the verdict for a ClassifyRequest.
type ClassifyResponse struct {
	Action     string `json:"action"`
	Reason     string `json:"reason"`
	Rule       int    `json:"rule"`
	RuleName   string `json:"rule_name,omitempty"`
	Candidates []int  `json:"candidates"`
}

// DomainsResponse lists installed domain entries and cached addresses.
type DomainsResponse struct {
	Entries []string            `json:"entries"`
	Cache   []domain.CacheEntry `json:"cache"`
}

// EventEntry is a single event in API responses.
type EventEntry struct {
	Time      string `json:"time"`
	Type      string `json:"type"`
	Direction string `json:"direction,omitempty"`
	Action    string `json:"action,omitempty"`
	UserID    uint32 `json:"user_id,omitempty"`
	Rules     int    `json:"rules,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DomainRulesRequest replaces the domain rules without touching the IP
// rules.
type DomainRulesRequest struct {
	DomainRules []config.DomainRuleSpec `json:"domain_rules"`
}

// DNSAnswerRequest reports a DNS response seen for a user and app. Msg is
// the response in wire format.
type DNSAnswerRequest struct {
	UserID uint32 `json:"user_id"`
	AppUID uint32 `json:"app_uid"`
	Msg    []byte `json:"msg"`
}

// DNSAnswerResponse is the number of addresses cached.
type DNSAnswerResponse struct {
	Cached int `json:"cached"`
}

// DNSQueryRequest asks whether a user and app may resolve Name.
type DNSQueryRequest struct {
	Name   string `json:"name"`
	UserID uint32 `json:"user_id"`
	AppUID uint32 `json:"app_uid"`
}

// DNSQueryResponse is the answer to a DNSQueryRequest.
type DNSQueryResponse struct {
	Allowed bool `json:"allowed"`
}
