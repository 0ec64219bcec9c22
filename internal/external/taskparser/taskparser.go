// Package taskparser is a thin reference implementation of
// external.TaskArtifactParser. The production parser format lives outside
// the core; this package exists so internal/supervisor has something
// concrete to call in tests and so the repo demonstrates the seam end to
// end.
//
// It reads a tasks.md file structured as repeated convoy blocks:
//
//	## Convoy: <story name> [P1]
//	Depends-On: <story name>, <story name>
//	Files: path/a.go, path/b.go
//	- [ ] <task title> (path/a.go): <description>
//	- [ ] <task title> (path/b.go): <description>
//
// Dependencies are resolved by story name within the same artifact.
package taskparser

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/external"
)

// Parser is the reference markdown tasks-artifact parser.
type Parser struct{}

// New builds a reference Parser.
func New() *Parser { return &Parser{} }

var convoyHeaderRE = regexp.MustCompile(`^##\s*Convoy:\s*(.+?)\s*\[(P[1-3])\]\s*$`)
var taskLineRE = regexp.MustCompile(`^-\s*\[.\]\s*(.+?)\s*\(([^)]+)\)\s*:\s*(.*)$`)

func (p *Parser) Parse(ctx context.Context, tasksArtifactPath string) ([]external.ConvoySpec, error) {
	f, err := os.Open(tasksArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("open tasks artifact %s: %w", tasksArtifactPath, err)
	}
	defer f.Close()

	var specs []external.ConvoySpec
	storyIndex := map[string]int{}
	var current *external.ConvoySpec

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if m := convoyHeaderRE.FindStringSubmatch(line); m != nil {
			if current != nil {
				specs = append(specs, *current)
			}
			story := m[1]
			storyIndex[story] = len(specs)
			current = &external.ConvoySpec{Story: story, Priority: domain.Priority(m[2])}
			continue
		}
		if current == nil {
			continue
		}
		if strings.HasPrefix(line, "Depends-On:") {
			rest := strings.TrimSpace(strings.TrimPrefix(line, "Depends-On:"))
			for _, name := range splitCSV(rest) {
				current.Dependencies = append(current.Dependencies, name)
			}
			continue
		}
		if strings.HasPrefix(line, "Files:") {
			rest := strings.TrimSpace(strings.TrimPrefix(line, "Files:"))
			current.Files = splitCSV(rest)
			continue
		}
		if m := taskLineRE.FindStringSubmatch(line); m != nil {
			current.Tasks = append(current.Tasks, external.TaskSpec{
				Title:       m[1],
				FilePath:    m[2],
				Description: m[3],
			})
			continue
		}
	}
	if current != nil {
		specs = append(specs, *current)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan tasks artifact: %w", err)
	}

	// Resolve Dependencies from story names into indices the caller uses to
	// look up already-created convoy IDs (external.ConvoySpec.Dependencies
	// doc comment).
	for i := range specs {
		resolved := make([]string, 0, len(specs[i].Dependencies))
		for _, name := range specs[i].Dependencies {
			idx, ok := storyIndex[name]
			if !ok {
				return nil, fmt.Errorf("convoy %q depends on unknown convoy %q", specs[i].Story, name)
			}
			resolved = append(resolved, strconv.Itoa(idx))
		}
		specs[i].Dependencies = resolved
	}

	return specs, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
