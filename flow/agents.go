package flow

import (
	"fmt"
	"strings"
)

// Agent names one of the fixed agents a task can be addressed to.
type Agent string

const (
	AgentDanny    Agent = "DANNY"
	AgentCrea     Agent = "CREA"
	AgentGuardian Agent = "GUARDIAN"
	AgentOracle   Agent = "ORACLE"
	AgentScout    Agent = "SCOUT"
	AgentLedger   Agent = "LEDGER"
)

type AgentInfo struct {
	ID          Agent
	Role        string
	Description string
	// Tasks lists the task names the agent is usually asked for. Task names are
	// not validated against it.
	Tasks []string
}

var agentCatalog = []AgentInfo{
	{
		ID:          AgentDanny,
		Role:        "user analytics",
		Description: "Analyses referral and activity data: dormant users, cohort health, conversion funnels.",
		Tasks:       []string{"find_dormant", "segment_users", "funnel_report"},
	},
	{
		ID:          AgentCrea,
		Role:        "marketing copy",
		Description: "Writes promotional content for referral campaigns: social posts, emails, landing copy.",
		Tasks:       []string{"generate_social_post", "generate_email", "generate_landing_copy"},
	},
	{
		ID:          AgentGuardian,
		Role:        "compliance review",
		Description: "Reviews content and claims for regulatory and exchange-policy compliance.",
		Tasks:       []string{"review_content", "flag_claims"},
	},
	{
		ID:          AgentOracle,
		Role:        "market insight",
		Description: "Summarises market conditions and exchange promotions relevant to partners.",
		Tasks:       []string{"market_brief", "compare_exchanges"},
	},
	{
		ID:          AgentScout,
		Role:        "lead research",
		Description: "Qualifies and enriches captured leads and suggests outreach priorities.",
		Tasks:       []string{"qualify_leads", "enrich_lead"},
	},
	{
		ID:          AgentLedger,
		Role:        "earnings reporting",
		Description: "Explains referral earnings and settlement statements in plain language.",
		Tasks:       []string{"earnings_summary", "explain_settlement"},
	},
}

// Agents returns the fixed agent set in a stable order.
func Agents() []AgentInfo {
	out := make([]AgentInfo, len(agentCatalog))
	copy(out, agentCatalog)
	return out
}

func LookupAgent(a Agent) (AgentInfo, bool) {
	for _, info := range agentCatalog {
		if info.ID == a {
			return info, true
		}
	}
	return AgentInfo{}, false
}

func (a Agent) Valid() bool {
	_, ok := LookupAgent(a)
	return ok
}

// ParseAgent normalises s (case and surrounding space) and checks membership.
func ParseAgent(s string) (Agent, error) {
	a := Agent(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAgent, s)
	}
	return a, nil
}
