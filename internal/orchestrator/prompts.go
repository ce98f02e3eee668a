package orchestrator

import (
	"fmt"
	"strings"

	"github.com/devwspito/storyforge/pkg/models"
)

func analysisPrompt(task *models.Task) string {
	var sb strings.Builder
	sb.WriteString("You are planning an implementation. Task:\n")
	fmt.Fprintf(&sb, "Title: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", task.Description)
	}
	fmt.Fprintf(&sb, "Repositories: %s\n\n", strings.Join(task.Repositories, ", "))
	sb.WriteString(`Explore the code, then break the task into small, independently committable stories.
Respond with a JSON array, each element:
{"title": "...", "description": "...", "target_files": ["..."], "acceptance_criteria": ["..."]}
Order the stories so each builds on the previous ones.`)
	return sb.String()
}

func storyPrompt(task *models.Task, story models.Story) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Implement this story for the task %q:\n\n", task.Title)
	fmt.Fprintf(&sb, "Story: %s\n", story.Title)
	if story.Description != "" {
		fmt.Fprintf(&sb, "Details: %s\n", story.Description)
	}
	if len(story.TargetFiles) > 0 {
		fmt.Fprintf(&sb, "Expected files: %s\n", strings.Join(story.TargetFiles, ", "))
	}
	if len(story.AcceptanceCriteria) > 0 {
		sb.WriteString("Acceptance criteria:\n")
		for _, c := range story.AcceptanceCriteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	sb.WriteString("\nMake the changes directly in the working tree. Do not commit; that is handled for you.")
	return sb.String()
}

func fallbackStories(task *models.Task) []models.Story {
	return []models.Story{{
		StoryID:     task.TaskID + "-story-0",
		TaskID:      task.TaskID,
		Index:       0,
		Title:       task.Title,
		Description: task.Description,
	}}
}
