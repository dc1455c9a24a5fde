package mcpgate

// RoundUsage records the token usage of one model-generation round.
// Absent provider metadata yields a zero record, never an error.
type RoundUsage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
}

// UsageTotals accumulates token usage keyed by model name.
type UsageTotals map[string]Usage

// NewUsageTotals creates an empty accumulator.
func NewUsageTotals() UsageTotals {
	return make(UsageTotals)
}

// Add folds one round's usage into the totals for the given model.
// TotalTokens falls back to input+output when the provider omits it.
func (t UsageTotals) Add(model string, u Usage) {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	cur := t[model]
	cur.InputTokens += u.InputTokens
	cur.OutputTokens += u.OutputTokens
	cur.TotalTokens += u.TotalTokens
	t[model] = cur
}

// Sum returns usage summed across all models.
func (t UsageTotals) Sum() Usage {
	var sum Usage
	for _, u := range t {
		sum.InputTokens += u.InputTokens
		sum.OutputTokens += u.OutputTokens
		sum.TotalTokens += u.TotalTokens
	}
	return sum
}
