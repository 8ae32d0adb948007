package policies

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"converse/internal/domain"
)

type storyFile struct {
	Stories []storyDecl `yaml:"stories"`
	Rules   []storyDecl `yaml:"rules"`
}

type storyDecl struct {
	Story string     `yaml:"story"`
	Rule  string     `yaml:"rule"`
	Steps []stepDecl `yaml:"steps"`
}

type stepDecl struct {
	Intent string `yaml:"intent"`
	Action string `yaml:"action"`
}

// LoadStories reads a training file and returns its stories and rules.
// Every step must name exactly one of intent and action.
func LoadStories(path string) (stories, rules []Story, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read stories %s: %w", path, err)
	}

	var file storyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse stories %s: %w", path, err)
	}

	stories, err = convertStories(file.Stories, false)
	if err != nil {
		return nil, nil, err
	}
	rules, err = convertStories(file.Rules, true)
	if err != nil {
		return nil, nil, err
	}
	return stories, rules, nil
}

func convertStories(decls []storyDecl, isRule bool) ([]Story, error) {
	out := make([]Story, 0, len(decls))
	for i, decl := range decls {
		name := decl.Story
		if isRule {
			name = decl.Rule
		}
		if name == "" {
			name = fmt.Sprintf("story_%d", i)
		}

		story := Story{Name: name}
		for _, step := range decl.Steps {
			switch {
			case step.Intent != "" && step.Action != "":
				return nil, fmt.Errorf("story %q: step names both intent and action", name)
			case step.Intent != "":
				story.Steps = append(story.Steps, UserStep(step.Intent))
			case step.Action != "":
				story.Steps = append(story.Steps, ActionStep(step.Action))
			default:
				return nil, fmt.Errorf("story %q: step names neither intent nor action", name)
			}
		}
		if len(story.Steps) == 0 {
			return nil, fmt.Errorf("story %q has no steps", name)
		}
		out = append(out, story)
	}
	return out, nil
}

// TrainAll trains every trainable policy on stories, and rule policies on
// rules.
func TrainAll(ps []Policy, stories, rules []Story, d *domain.Domain) error {
	for _, p := range ps {
		data := stories
		if _, isRule := p.(*Rule); isRule {
			data = rules
		}
		if len(data) == 0 {
			continue
		}
		if trainable, ok := p.(Trainable); ok {
			if err := trainable.Train(data, d); err != nil {
				return fmt.Errorf("train %s: %w", p.Name(), err)
			}
		}
	}
	return nil
}
