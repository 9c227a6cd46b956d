// Package cmdtree defines the netfwctl command tree.
//
// The tree drives tab completion, "?" help and the help listing, so a
// command added here appears in all three.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/psaab/netfw/pkg/logging"
)

// Node defines a completion tree node with description and children.
// Usage names the free-form arguments a leaf takes.
type Node struct {
	Desc     string
	Usage    string
	Children map[string]*Node
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

var protocols = map[string]*Node{
	"any":    {Desc: "Any protocol"},
	"tcp":    {Desc: "TCP"},
	"udp":    {Desc: "UDP"},
	"icmp":   {Desc: "ICMP"},
	"icmpv6": {Desc: "ICMPv6"},
	"gre":    {Desc: "GRE"},
	"esp":    {Desc: "ESP"},
}

var eventTypes = func() map[string]*Node {
	m := make(map[string]*Node)
	for _, t := range []string{
		logging.EventCompile, logging.EventCompileFail, logging.EventFlushFail,
		logging.EventDomainRules, logging.EventDefaultAction, logging.EventCurrentUser,
		logging.EventClear, logging.EventCommit, logging.EventRollback,
	} {
		m[t] = &Node{Desc: "Only " + t + " events"}
	}
	return m
}()

// Tree is the netfwctl command tree.
var Tree = map[string]*Node{
	"status":   {Desc: "Show compile counters and published tables"},
	"rules":    {Desc: "Show the active rule set"},
	"load":     {Desc: "Replace the rule set with a YAML rule file", Usage: "<file> [comment]"},
	"batch":    {Desc: "Queue a rule file for the next load", Usage: "<file>"},
	"check":    {Desc: "Validate a rule file and show the difference", Usage: "<file>"},
	"rollback": {Desc: "Reinstall the rule set of n commits ago", Usage: "[n]"},
	"default-action": {Desc: "Set default actions", Usage: "<user|global> <ingress> <egress>", Children: map[string]*Node{
		"global": {Desc: "Global defaults"},
	}},
	"current-user": {Desc: "Set the foreground user", Usage: "<id>"},
	"clear": {Desc: "Clear rules (default all)", Children: map[string]*Node{
		"ip":             {Desc: "IP rules"},
		"domain":         {Desc: "Domain rules"},
		"default-action": {Desc: "Per-user and global default actions"},
		"all":            {Desc: "Everything"},
	}},
	"classify": {Desc: "Classify a packet", Usage: "<dir> <proto> <src[:port]> <dst[:port]> [uid=N] [user=N] [app=N]", Children: map[string]*Node{
		"ingress": {Desc: "Inbound packet", Children: protocols},
		"egress":  {Desc: "Outbound packet", Children: protocols},
	}},
	"domains": {Desc: "Replace only the domain rules of a rule file", Usage: "<file>"},
	"query":   {Desc: "Check whether a name may be resolved", Usage: "<name> [user] [app]"},
	"events":  {Desc: "Show recent policy events", Usage: "[type]", Children: eventTypes},
	"help":    {Desc: "Show this help"},
	"exit":    {Desc: "Leave the shell"},
}

// --- Helper functions ---

// KeysFromTree returns a sorted list of keys from a Node map.
func KeysFromTree(tree map[string]*Node) []string {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HelpCandidates returns Candidates from a tree's children for help display.
func HelpCandidates(tree map[string]*Node) []Candidate {
	candidates := make([]Candidate, 0, len(tree))
	for name, node := range tree {
		candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
	}
	return candidates
}

// walk follows words down the tree and returns the children reached, or
// nil when a word is unknown or a leaf was passed.
func walk(tree map[string]*Node, words []string) map[string]*Node {
	current := tree
	for _, w := range words {
		node, ok := current[w]
		if !ok || node.Children == nil {
			return nil
		}
		current = node.Children
	}
	return current
}

// CompleteFromTree walks the tree to find completion candidates for the
// given words and partial. The result is sorted.
func CompleteFromTree(tree map[string]*Node, words []string, partial string) []string {
	out := FilterPrefix(KeysOf(walk(tree, words)), partial)
	sort.Strings(out)
	return out
}

// CompleteFromTreeWithDesc walks the tree returning name+description pairs.
func CompleteFromTreeWithDesc(tree map[string]*Node, words []string, partial string) []Candidate {
	var candidates []Candidate
	for name, node := range walk(tree, words) {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
		}
	}
	return candidates
}

// WriteHelp prints aligned completion candidates to w.
// The entire output is built as a single string and written in one call
// so that readline's wrapWriter triggers only one Refresh cycle.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// WriteUsage prints every top-level command with its arguments.
func WriteUsage(w io.Writer, tree map[string]*Node) {
	var sb strings.Builder
	sb.WriteString("commands:\n")
	for _, name := range KeysFromTree(tree) {
		node := tree[name]
		cmd := name
		if node.Usage != "" {
			cmd += " " + node.Usage
		}
		fmt.Fprintf(&sb, "  %s\n      %s\n", cmd, node.Desc)
	}
	io.WriteString(w, sb.String())
}

// CommonPrefix returns the longest shared prefix among the given strings.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}

// KeysOf returns an unsorted list of keys from a Node map.
func KeysOf(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// FilterPrefix returns only items that start with the given prefix.
func FilterPrefix(items []string, prefix string) []string {
	if prefix == "" {
		return items
	}
	var result []string
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			result = append(result, item)
		}
	}
	return result
}
