package runner

import (
	"bufio"
	"log/slog"
	"os"
	"strings"

	"github.com/quailyquaily/agentflow/flow"
	"github.com/quailyquaily/agentflow/internal/pathutil"
	"gopkg.in/yaml.v3"
)

type personaFrontmatter struct {
	Status string `yaml:"status"`
	Role   string `yaml:"role"`
}

// Persona is optional operator guidance for one agent, loaded from
// <dir>/<AGENT>.md.
type Persona struct {
	Role string
	Body string
}

// LoadPersona reads the persona doc for agent from dir. Missing files, empty
// files, and docs whose frontmatter status is "draft" yield ok=false.
func LoadPersona(dir string, agent flow.Agent, log *slog.Logger) (Persona, bool) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return Persona{}, false
	}
	if log == nil {
		log = slog.Default()
	}
	path, err := pathutil.FileIn(dir, string(agent)+".md")
	if err != nil {
		log.Warn("persona_path_invalid", "agent", agent, "error", err.Error())
		return Persona{}, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("persona_load_failed", "agent", agent, "path", path, "error", err.Error())
		}
		return Persona{}, false
	}
	fm, body, hasFM := splitFrontmatter(string(raw))
	if hasFM && strings.EqualFold(strings.TrimSpace(fm.Status), "draft") {
		return Persona{}, false
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return Persona{}, false
	}
	return Persona{Role: strings.TrimSpace(fm.Role), Body: body}, true
}

// splitFrontmatter separates YAML between leading --- ... --- from the body.
// Malformed frontmatter is treated as part of the body.
func splitFrontmatter(contents string) (personaFrontmatter, string, bool) {
	contents = strings.ReplaceAll(contents, "\r\n", "\n")
	sc := bufio.NewScanner(strings.NewReader(contents))
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != "---" {
		return personaFrontmatter{}, contents, false
	}

	var yamlLines []string
	foundEnd := false
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "---" {
			foundEnd = true
			break
		}
		yamlLines = append(yamlLines, line)
	}
	if !foundEnd {
		return personaFrontmatter{}, contents, false
	}
	var rest []string
	for sc.Scan() {
		rest = append(rest, sc.Text())
	}

	var fm personaFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(yamlLines, "\n")), &fm); err != nil {
		return personaFrontmatter{}, contents, false
	}
	return fm, strings.Join(rest, "\n"), true
}
