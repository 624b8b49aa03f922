package feature

import (
	"fmt"
	"io"
	"os"
	"strings"

	gherkin "github.com/cucumber/gherkin/go/v26"
	messages "github.com/cucumber/messages/go/v21"
)

// Feature is one parsed .feature file. Scenarios are compiled pickles:
// background steps are prepended and each Scenario Outline example row is
// its own Scenario.
type Feature struct {
	Name        string
	Description string
	File        string
	Tags        []string
	Scenarios   []*Scenario
}

// Scenario is a named list of steps.
type Scenario struct {
	Name  string
	Line  int
	Tags  []string
	Steps []*Step
}

// Step is a single Given/When/Then line with its optional argument.
type Step struct {
	Keyword string
	Text    string
	Line    int
	// DocString is the text between a pair of """ or ``` delimiters.
	DocString    string
	HasDocString bool
	Table        [][]string
}

// HasTag reports whether tag (with or without the leading @) is set.
func HasTag(tags []string, tag string) bool {
	tag = strings.TrimPrefix(tag, "@")
	for _, t := range tags {
		if strings.EqualFold(strings.TrimPrefix(t, "@"), tag) {
			return true
		}
	}
	return false
}

// ParseError reports a feature file that could not be parsed.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.File, e.Msg)
	}
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// ParseFile reads and parses the feature file at path.
func ParseFile(path string) (*Feature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Parse(f, path)
}

// Parse reads one feature from r. file becomes the pickle URI and is used
// in error messages.
func Parse(r io.Reader, file string) (*Feature, error) {
	ids := &messages.Incrementing{}
	doc, err := gherkin.ParseGherkinDocument(r, ids.NewId)
	if err != nil {
		return nil, &ParseError{File: file, Msg: err.Error()}
	}
	if doc.Feature == nil {
		return nil, &ParseError{File: file, Msg: "no Feature: found"}
	}

	f := &Feature{
		Name:        doc.Feature.Name,
		Description: trimDescription(doc.Feature.Description),
		File:        file,
	}
	for _, tag := range doc.Feature.Tags {
		f.Tags = append(f.Tags, tag.Name)
	}

	nodes := indexNodes(doc.Feature)
	for _, pickle := range gherkin.Pickles(*doc, file, ids.NewId) {
		f.Scenarios = append(f.Scenarios, compile(pickle, nodes))
	}
	return f, nil
}

// astNodes maps gherkin AST ids to the source details pickles drop.
type astNodes struct {
	steps map[string]*messages.Step
	lines map[string]int
}

func indexNodes(feature *messages.Feature) *astNodes {
	n := &astNodes{steps: map[string]*messages.Step{}, lines: map[string]int{}}
	addSteps := func(steps []*messages.Step) {
		for _, s := range steps {
			n.steps[s.Id] = s
		}
	}
	addScenario := func(sc *messages.Scenario) {
		n.lines[sc.Id] = int(sc.Location.Line)
		addSteps(sc.Steps)
		for _, ex := range sc.Examples {
			for _, row := range ex.TableBody {
				n.lines[row.Id] = int(row.Location.Line)
			}
		}
	}
	for _, child := range feature.Children {
		switch {
		case child.Background != nil:
			addSteps(child.Background.Steps)
		case child.Scenario != nil:
			addScenario(child.Scenario)
		case child.Rule != nil:
			for _, rc := range child.Rule.Children {
				if rc.Background != nil {
					addSteps(rc.Background.Steps)
				}
				if rc.Scenario != nil {
					addScenario(rc.Scenario)
				}
			}
		}
	}
	return n
}

func compile(p *messages.Pickle, nodes *astNodes) *Scenario {
	sc := &Scenario{Name: p.Name}
	// Outline rows point at [scenario, example row]; the row is the better line.
	for _, id := range p.AstNodeIds {
		if line, ok := nodes.lines[id]; ok {
			sc.Line = line
		}
	}
	for _, tag := range p.Tags {
		sc.Tags = append(sc.Tags, tag.Name)
	}
	for _, ps := range p.Steps {
		step := &Step{Text: ps.Text}
		if len(ps.AstNodeIds) > 0 {
			if src, ok := nodes.steps[ps.AstNodeIds[0]]; ok {
				step.Keyword = strings.TrimSpace(src.Keyword)
				step.Line = int(src.Location.Line)
			}
		}
		if arg := ps.Argument; arg != nil {
			if arg.DocString != nil {
				step.DocString = arg.DocString.Content
				step.HasDocString = true
			}
			if arg.DataTable != nil {
				for _, row := range arg.DataTable.Rows {
					cells := make([]string, 0, len(row.Cells))
					for _, c := range row.Cells {
						cells = append(cells, c.Value)
					}
					step.Table = append(step.Table, cells)
				}
			}
		}
		sc.Steps = append(sc.Steps, step)
	}
	return sc
}

func trimDescription(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
