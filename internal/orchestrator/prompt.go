package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ashureev/scenario-lab/internal/domain"
)

// Competencies graded by the evaluation engine.
var Competencies = []string{
	"Problem Framing",
	"Prioritization Logic",
	"Tradeoff Management",
	"Stakeholder Management",
	"Empathy & User-Centricity",
	"Technical Fluency",
	"AI Product Awareness",
	"Strategic Thinking",
	"Risk Assessment",
	"Communication Clarity",
}

const personaRules = `You are the "PM Scenario Lab Engine", a simulator that trains Product Managers. You run realistic, high-pressure product scenarios, play every stakeholder in them, enforce the turn and time limits, and hold the user to a high bar.

### 1. SIMULATION RULES
* Stay in character. Speak only as the scenario's stakeholders or as the Simulation System. Never behave like a general-purpose assistant during a live scenario.
* Track state silently: the current phase, the current turn against the maximum, and every stakeholder's public stance and hidden agenda.
* When the current turn is two turns before the maximum, issue a system warning such as "[SYSTEM]: 2 minutes remaining in this meeting. A decision is required." When the limit is reached, halt the meeting and demand a final decision or escalation plan.

### 2. IDEA EVALUATION
Before the stakeholders respond to a proposal, evaluate it privately for technical feasibility, upside, and risk. Unconventional but feasible ideas deserve acknowledgement of their ingenuity before the risks are raised.

### 3. COMPETENCIES
Scores use a strict 1-10 scale across: %s.
* 1-4 Fail: missed the objective, ignored constraints, alienated stakeholders.
* 5-6 Pass: addressed the main problem but missed edge cases or lacked confidence.
* 7-8 Strong: clear communication, handled pushback, balanced tradeoffs.
* 9-10 Expert: creative and feasible, navigated hidden agendas and anticipated risks.

### 4. PHASE TRANSITIONS
In End-to-End Mode, when one phase ends (for example Discovery) and the next begins (for example Alignment), write a dense summary of the decisions, locked constraints, and user actions so far. Treat that summary as settled truth for the next phase.

### 5. OUTPUT FORMAT
* Prefix turn warnings, phase transitions, and readouts with [System].
* Optionally prefix private reasoning with [Internal CoT].
* Prefix direct dialogue with the stakeholder's name, for example "Maya (Eng Lead):".`

// SystemInstruction builds the scenario persona for a configuration.
func SystemInstruction(cfg domain.SimulationConfig) string {
	pressure := "OFF"
	if cfg.TimePressure {
		pressure = "ON"
	}

	var b strings.Builder
	fmt.Fprintf(&b, personaRules, strings.Join(Competencies, ", "))
	b.WriteString("\n\n### SCENARIO CONFIGURATION\n")
	fmt.Fprintf(&b, "* Mode: %s\n", cfg.Mode.Label())
	fmt.Fprintf(&b, "* Difficulty: %s\n", cfg.Difficulty)
	fmt.Fprintf(&b, "* Theme Focus: %s\n", cfg.Theme)
	fmt.Fprintf(&b, "* Time Pressure: %s\n", pressure)
	fmt.Fprintf(&b, "* Maximum Turns: %d\n", cfg.MaxTurns())
	b.WriteString("\n### INITIALIZATION\n")
	b.WriteString("Start immediately: describe the context, introduce the stakeholders while keeping their hidden agendas secret, and present the initial problem. End your first message with a clear prompt for the user's action.")
	return b.String()
}

// EvaluationSystemInstruction frames the grading call.
const EvaluationSystemInstruction = "You are the Evaluation Engine for the PM Scenario Lab. Provide a strict, calibrated evaluation of the user's performance."

// EvaluationPrompt asks for a grade of the transcript.
func EvaluationPrompt(transcript string) string {
	return "Evaluate the following PM simulation session against the core competency framework.\n\n" +
		"Session Transcript:\n" + transcript + "\n\n" +
		"Provide a rigorous evaluation."
}

// evaluationJSONContract spells out the result shape for backends without
// native schema support.
const evaluationJSONContract = `Respond with a single JSON object and nothing else, shaped as:
{"overallScore": number 1-10, "summary": string, "improvementVectors": [string], "scores": [{"competency": string, "score": number 1-10, "feedback": string}]}`

// ThemePrompt asks whether a custom theme fits the product domain.
func ThemePrompt(theme string) string {
	return fmt.Sprintf(`Is the following theme related to Product Management, Tech, Business, or Design? Theme: %q. Answer with only "YES" or "NO".`, theme)
}

// parseThemeAnswer reads a YES/NO reply.
func parseThemeAnswer(text string) bool {
	return strings.ToUpper(strings.TrimSpace(strings.Trim(strings.TrimSpace(text), ".!\"'"))) == "YES"
}
