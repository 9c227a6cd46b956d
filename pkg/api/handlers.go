package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/psaab/netfw/pkg/classifier"
	"github.com/psaab/netfw/pkg/config"
	"github.com/psaab/netfw/pkg/firewall"
	"github.com/psaab/netfw/pkg/logging"
	"github.com/psaab/netfw/pkg/rule"
)

// maxBodySize bounds request bodies; a full rule set is well below it.
const maxBodySize = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// applyStatus maps a rule set install error to a status code. Sink
// failures come after the rules were accepted.
func applyStatus(err error) int {
	if errors.Is(err, firewall.ErrPublish) {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// readJSON decodes the request body into v, rejecting unknown fields.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, StatusResponse{
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
		Status: s.fw.Status(),
	})
}

func (s *Server) tablesHandler(w http.ResponseWriter, r *http.Request) {
	dir, err := rule.ParseDirection(r.PathValue("direction"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ts := s.fw.Tables(dir)
	if ts == nil {
		writeError(w, http.StatusServiceUnavailable, "no tables published for "+dir.String())
		return
	}
	writeOK(w, TablesResponse{Direction: dir.String(), Rules: ts.Rules, Tables: ts.Dump()})
}

func (s *Server) rulesHandler(w http.ResponseWriter, _ *http.Request) {
	if store := s.fw.Store(); store != nil {
		writeOK(w, store.Active())
		return
	}
	rs := &config.RuleSet{}
	for _, r := range s.fw.Rules() {
		rs.Rules = append(rs.Rules, config.FromRule(r))
	}
	writeOK(w, rs)
}

func (s *Server) setRulesHandler(w http.ResponseWriter, r *http.Request) {
	var req RulesRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.fw.Store() == nil {
		writeError(w, http.StatusServiceUnavailable, "rule store not available")
		return
	}
	if err := s.fw.SubmitRuleSet(r.Context(), &req.RuleSet, req.Comment, !req.Partial); err != nil {
		writeError(w, applyStatus(err), err.Error())
		return
	}
	writeOK(w, s.fw.Status())
}

func (s *Server) checkRulesHandler(w http.ResponseWriter, r *http.Request) {
	var req RulesRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	store := s.fw.Store()
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "rule store not available")
		return
	}
	compiled, err := store.CommitCheck(&req.RuleSet)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	diff, err := store.ShowCompare(&req.RuleSet)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, CompareResponse{Rules: len(compiled.Rules), DomainRules: len(compiled.DomainRules), Diff: diff})
}

func (s *Server) rollbackHandler(w http.ResponseWriter, r *http.Request) {
	req := RollbackRequest{N: 1}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.fw.Rollback(r.Context(), req.N); err != nil {
		writeError(w, applyStatus(err), err.Error())
		return
	}
	writeOK(w, s.fw.Status())
}

func (s *Server) historyHandler(w http.ResponseWriter, _ *http.Request) {
	store := s.fw.Store()
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "rule store not available")
		return
	}
	type entry struct {
		Index     int       `json:"index"`
		Timestamp time.Time `json:"timestamp"`
		Comment   string    `json:"comment,omitempty"`
		Rules     int       `json:"rules"`
	}
	var out []entry
	for i, h := range store.History() {
		out = append(out, entry{Index: i + 1, Timestamp: h.Timestamp, Comment: h.Comment, Rules: len(h.RuleSet.Rules)})
	}
	writeOK(w, out)
}

func (s *Server) defaultActionHandler(w http.ResponseWriter, r *http.Request) {
	var req DefaultActionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in, err := rule.ParseAction(req.Ingress)
	if err != nil {
		writeError(w, http.StatusBadRequest, "ingress: "+err.Error())
		return
	}
	out, err := rule.ParseAction(req.Egress)
	if err != nil {
		writeError(w, http.StatusBadRequest, "egress: "+err.Error())
		return
	}
	if err := s.fw.SetDefaultAction(req.UserID, in, out); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, s.fw.Status())
}

func (s *Server) currentUserHandler(w http.ResponseWriter, r *http.Request) {
	var req CurrentUserRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.fw.SetCurrentUser(req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]uint32{"current_user": req.UserID})
}

func (s *Server) clearHandler(w http.ResponseWriter, r *http.Request) {
	req := ClearRequest{Kind: "all"}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := rule.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.fw.ClearRules(r.Context(), kind); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, s.fw.Status())
}

// Packet converts req. currentUser resolves uids in the first per-user
// block.
func (req ClassifyRequest) Packet(currentUser uint32) (classifier.Packet, error) {
	var p classifier.Packet
	var err error
	if p.Direction, err = rule.ParseDirection(req.Direction); err != nil {
		return p, err
	}
	if p.Src, err = netip.ParseAddr(req.Src); err != nil {
		return p, fmt.Errorf("src: %w", err)
	}
	if p.Dst, err = netip.ParseAddr(req.Dst); err != nil {
		return p, fmt.Errorf("dst: %w", err)
	}
	if p.Protocol, err = rule.ParseProtocol(req.Protocol); err != nil {
		return p, err
	}
	p.SrcPort, p.DstPort = req.SrcPort, req.DstPort
	p.AppUID, p.UserID = req.AppUID, req.UserID
	if req.UID != 0 {
		p.UserID = classifier.UserIDFromUID(req.UID, currentUser)
		if p.AppUID == 0 {
			p.AppUID = req.UID % classifier.UIDsPerUser
		}
	}
	return p, nil
}

// Classify runs req against fw and names the deciding rule.
func Classify(fw *firewall.Service, req ClassifyRequest) (ClassifyResponse, error) {
	p, err := req.Packet(fw.Status().CurrentUser)
	if err != nil {
		return ClassifyResponse{}, err
	}
	v := fw.Classify(p)
	resp := ClassifyResponse{
		Action:     v.Action.String(),
		Reason:     string(v.Reason),
		Rule:       v.Rule,
		Candidates: v.Candidates.Bits(),
	}
	if rl, ok := fw.RuleFor(p.Direction, v.Rule); ok {
		resp.RuleName = rl.Name
	}
	return resp, nil
}

func (s *Server) classifyHandler(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := Classify(s.fw, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, resp)
}

func (s *Server) domainsHandler(w http.ResponseWriter, _ *http.Request) {
	resp := DomainsResponse{Cache: s.fw.DomainCache().Entries()}
	for _, e := range s.fw.DomainEntries() {
		resp.Entries = append(resp.Entries, e.String())
	}
	writeOK(w, resp)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	eb := s.fw.Events()
	if eb == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	f := logging.EventFilter{Type: q.Get("type"), Direction: q.Get("direction")}
	recs := eb.LatestFiltered(limit, f)
	out := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, EventEntryFromRecord(rec))
	}
	writeOK(w, out)
}

// SetDomainRules converts req and installs it in fw.
func SetDomainRules(fw *firewall.Service, req DomainRulesRequest) error {
	rules := make([]rule.DomainRule, 0, len(req.DomainRules))
	for i := range req.DomainRules {
		r, err := req.DomainRules[i].ToDomainRule()
		if err != nil {
			return fmt.Errorf("domain rule %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return fw.SetDomainRules(rules)
}

func (s *Server) setDomainRulesHandler(w http.ResponseWriter, r *http.Request) {
	var req DomainRulesRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := SetDomainRules(s.fw, req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, s.fw.Status())
}

// ObserveDNS unpacks req.Msg and caches its addresses.
func ObserveDNS(fw *firewall.Service, req DNSAnswerRequest) (DNSAnswerResponse, error) {
	m := new(dns.Msg)
	if err := m.Unpack(req.Msg); err != nil {
		return DNSAnswerResponse{}, fmt.Errorf("dns message: %w", err)
	}
	return DNSAnswerResponse{Cached: fw.ObserveDNS(m, req.UserID, req.AppUID)}, nil
}

func (s *Server) dnsAnswerHandler(w http.ResponseWriter, r *http.Request) {
	var req DNSAnswerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := ObserveDNS(s.fw, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, resp)
}

func (s *Server) dnsQueryHandler(w http.ResponseWriter, r *http.Request) {
	var req DNSQueryRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	writeOK(w, DNSQueryResponse{Allowed: s.fw.QueryAllowed(req.Name, req.UserID, req.AppUID)})
}
