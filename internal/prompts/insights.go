package prompts

// InsightInstructions is appended to the system prompt when insight
// extraction is enabled. It asks the model to attach machine-readable
// findings to answers that warrant them.
const InsightInstructions = `

## Insights
When your answer reveals something the counselor should act on (an overdue deadline, a student falling behind, an essay stuck in draft), end your answer with a fenced json block containing an array of insights:

` + "```json" + `
[{"category": "deadlines", "priority": "high", "finding": "What you noticed.", "recommendation": "What the counselor should do."}]
` + "```" + `

priority is one of high, medium, low. Omit the block when there is nothing actionable.`
