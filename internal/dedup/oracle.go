package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dgallion1/clinfacts/internal/llm"
)

// Oracle names the redundant entries of one batch. Returned indices should be
// keys of batch; the engines drop any that are not.
type Oracle interface {
	FindRedundant(ctx context.Context, batch map[int]string) ([]int, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, batch map[int]string) ([]int, error)

func (f OracleFunc) FindRedundant(ctx context.Context, batch map[int]string) ([]int, error) {
	return f(ctx, batch)
}

// SystemPrompt instructs the model to return the indices of redundant facts.
const SystemPrompt = `## Task Definition
You are an expert clinician reviewing a list of patient facts. Some of these facts may be duplicates
or semantically redundant. Identify which facts should be removed so that the final list is concise,
non-redundant, and still retains all unique clinical information.

Do not regenerate the fact list. Return only the indices of facts to remove.

## Instructions
1. Redundant facts
   * A fact is redundant if it asserts the same claim as another fact, even if phrased differently.
     Example: "Patient has hypertension" and "History of high blood pressure" are redundant.
   * If two facts contain identical information except for timestamps, keep the most complete one.
   * If one fact is a subset of another ("Admitted to hospital" vs "Admitted to hospital (2014-08-01)"),
     mark the subset for removal.
2. Conflicting facts
   * If two facts make contradictory claims, do not mark either as redundant. Both must be kept.
3. Timestamps
   * Facts that differ only by distinct timestamps are not redundant and must both be kept.
     Example: "Admitted to hospital (2014-08-01)" and "Admitted to hospital (2014-09-01)".
4. Output format
   * Use the keys of "input_fact_list" as the indices.
   * Return a JSON object with one key:
     {"redundant_fact_indices": [<indices to remove>]}
   * If no redundancies are found, return {"redundant_fact_indices": []}.

## Example
Input:
{"input_fact_list": {"0": "Patient has hypertension", "1": "History of high blood pressure",
 "2": "Admitted to hospital (2014-08-01)", "3": "Admitted to hospital (2014-09-01)",
 "4": "Admitted to hospital"}}

Output:
{"redundant_fact_indices": [1, 4]}

Do not include an explanation in your response.`

type promptInput struct {
	Facts map[int]string `json:"input_fact_list"`
}

// BuildUserPrompt serializes one batch as the user message.
func BuildUserPrompt(batch map[int]string) (string, error) {
	b, err := json.Marshal(promptInput{Facts: batch})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseError means the model's dedup response was not usable.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse redundant indices: %v (raw: %s)", e.Err, llm.Truncate(e.Raw, 200))
}

func (e *ParseError) Unwrap() error { return e.Err }

// index accepts 3 or "3".
type index int

func (i *index) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*i = index(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("index %s is not an integer", b)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("index %q is not an integer", s)
	}
	*i = index(n)
	return nil
}

type redundantResponse struct {
	Indices *[]index `json:"redundant_fact_indices"`
}

// ParseIndices decodes a {"redundant_fact_indices": [...]} response. Prose
// around a fenced block is ignored.
func ParseIndices(raw string) ([]int, error) {
	body := llm.ExtractFenced(raw)
	var resp redundantResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, &ParseError{Raw: raw, Err: err}
	}
	if resp.Indices == nil {
		return nil, &ParseError{Raw: raw, Err: fmt.Errorf("missing %q field", "redundant_fact_indices")}
	}
	out := make([]int, len(*resp.Indices))
	for i, v := range *resp.Indices {
		out[i] = int(v)
	}
	return out, nil
}

// ModelOracle asks a language model which facts in a batch are redundant.
type ModelOracle struct {
	model llm.Completer
}

func NewModelOracle(model llm.Completer) *ModelOracle {
	return &ModelOracle{model: model}
}

func (o *ModelOracle) FindRedundant(ctx context.Context, batch map[int]string) ([]int, error) {
	user, err := BuildUserPrompt(batch)
	if err != nil {
		return nil, err
	}
	raw, err := o.model.Complete(ctx, SystemPrompt, user)
	if err != nil {
		return nil, err
	}
	return ParseIndices(raw)
}
