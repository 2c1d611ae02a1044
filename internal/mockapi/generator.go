package mockapi

import (
	"strconv"
	"strings"

	"github.com/briangreenhill/prepcoach/api"
)

// QuestionsPerBatch is how many questions one generate call adds
const QuestionsPerBatch = 5

// questionTemplates stand in for the model the real backend prompts.
// Placeholders are {topic}, {role} and {years}.
var questionTemplates = []struct {
	question string
	answer   string
}{
	{
		"Explain {topic} to someone new to it. Why does it matter for a {role}?",
		"Start from the problem {topic} solves, give a concrete example from your work, then describe the trade-offs a {role} with {years} years of experience should weigh.",
	},
	{
		"Describe a time you used {topic} under pressure.",
		"Use the STAR format: situation, task, action, result. Quantify the outcome and say what you would change with hindsight.",
	},
	{
		"What are the common pitfalls with {topic} and how do you avoid them?",
		"Name two or three failure modes you have seen, how you detected each one, and the guard rails you now put in place.",
	},
	{
		"How would you design a system that relies heavily on {topic}?",
		"Clarify requirements first, sketch the components, then discuss scaling, failure handling and how you would test it. Interviewers for a {role} look for explicit trade-offs.",
	},
	{
		"How do you keep your {topic} skills current after {years} years as a {role}?",
		"Mention concrete habits: reading source code, side projects, mentoring, and one recent thing you learned and applied.",
	},
	{
		"Walk me through debugging a production issue involving {topic}.",
		"Describe how you gather signals, form and test hypotheses, mitigate first, and follow up with a blameless review.",
	},
}

// topics splits a comma separated focus list, dropping blanks
func topics(focus string) []string {
	var out []string
	for _, t := range strings.Split(focus, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		out = []string{"your core skills"}
	}
	return out
}

// generateQuestions produces a deterministic batch for a session. offset is
// the number of questions the session already holds, so repeated calls keep
// producing new pairs.
func generateQuestions(in api.GenerateInput, offset int) []api.Question {
	ts := topics(in.TopicsToFocus)
	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = "software engineer"
	}

	out := make([]api.Question, 0, QuestionsPerBatch)
	for i := 0; i < QuestionsPerBatch; i++ {
		n := offset + i
		topic := ts[n%len(ts)]
		tmpl := questionTemplates[(n/len(ts))%len(questionTemplates)]
		r := strings.NewReplacer("{topic}", topic, "{role}", role, "{years}", strconv.Itoa(in.ExperienceYears))
		out = append(out, api.Question{
			Question: r.Replace(tmpl.question),
			Answer:   r.Replace(tmpl.answer),
		})
	}
	return out
}
