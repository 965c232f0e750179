// Package plan loads YAML chapter plans, the producer side of the task queue.
package plan

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"sequence_doc_generator/sequence"
)

// Chapter is one planned chapter of the document.
type Chapter struct {
	Title          string `yaml:"title"`
	HowToWrite     string `yaml:"how_to_write"`
	EstimatedWords int    `yaml:"estimated_words"`
}

// Plan is a whole-document outline as authored in plan.yaml.
type Plan struct {
	Title       string    `yaml:"title"`
	ProjectName string    `yaml:"project_name"`
	Chapters    []Chapter `yaml:"chapters"`
}

// Load reads and validates a plan file.
func Load(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, err
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if len(p.Chapters) == 0 {
		return Plan{}, errors.New("plan must include at least one chapter")
	}
	for i, ch := range p.Chapters {
		if ch.Title == "" {
			return Plan{}, fmt.Errorf("chapter %d is missing a title", i+1)
		}
	}
	return p, nil
}

// Tasks builds the ordered waiting queue seeded from the plan.
func (p Plan) Tasks(session string) []sequence.TaskRecord {
	tasks := make([]sequence.TaskRecord, 0, len(p.Chapters))
	for i, ch := range p.Chapters {
		tasks = append(tasks, sequence.TaskRecord{
			Index:          i,
			OriginalIndex:  i,
			Title:          ch.Title,
			HowToWrite:     ch.HowToWrite,
			EstimatedWords: ch.EstimatedWords,
			Status:         sequence.StatusWaiting,
			SessionID:      session,
			ProjectName:    p.ProjectName,
		})
	}
	return tasks
}
