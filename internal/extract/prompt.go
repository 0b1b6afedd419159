package extract

import (
	"encoding/json"
	"time"
)

// SystemPrompt instructs the model to break a note excerpt into dated atomic claims.
const SystemPrompt = `## Task Definition
You are a clinician performing chart review on a patient who was just admitted to the hospital.
Your task is to generate a list of atomic claims from the given excerpt of a clinical note.

## Atomic Claim Definition
An atomic claim is a phrase or sentence that makes a single assertion. The assertion may be factual
or may be a hypothesis posed by the text. Atomic claims are indivisible and cannot be decomposed into
more fundamental claims. Atomic claims have a subject, object, and predicate. The predicate relates
the subject to the object.

## DO
1. Extract discrete atomic claims from the "text" field. Each claim must include a subject, predicate, and object, and must stand alone without ambiguity.
2. Include only clinically relevant claims (symptoms, procedures, tests, medications, diagnoses, clinical locations).
3. Use only the provided text. Do not add outside knowledge or assumptions. Preserve the full context of each claim.
4. Write each claim in the shortest unambiguous form. Avoid pronouns or vague references.
5. Append a date (YYYY-MM-DD) in parentheses to the end of every claim:
    a. If the text specifies an absolute date, use that date.
    b. If the text uses a relative reference ("yesterday", "last week"), resolve it against note_date.
    c. If no event date is given, use note_date.
    d. For vague ranges ("last month"), use the first day of that period unless the text says otherwise.
6. Always refer to the subject as "patient", even if the text uses the patient's name or identifiers.
7. If there are no clinically relevant claims, return "claims" as an empty list [].

## DO NOT
1. Do not include claims that are not about the patient's clinical care (provider names, note authors, addenda, phone numbers, addresses, administrative details).
2. Do not invent or infer claims beyond what is explicitly stated in the text.
3. Do not duplicate note_date as the event date if the text already provides an event date.
4. Do not combine multiple events into a single claim.
5. Do not include general medical knowledge not present in the text.

Input Schema:
{"note_date": str, "text": str}

Output Schema (JSON only):
{"claims": List[str]}

## Example
Input:
{"note_date": "2021-01-15", "text": "Chief Complaint ..."}

Output:
{"claims": [
  "The chief complaint documented was eye pain (2021-01-15)",
  "The patient reported that the left eye was red (2021-01-15)",
  "The patient used eye drops for the left eye (2021-01-15)"
]}`

type promptInput struct {
	NoteDate string `json:"note_date"`
	Text     string `json:"text"`
}

// BuildUserPrompt serializes one chunk and its note date as the user message.
func BuildUserPrompt(noteDate time.Time, text string) (string, error) {
	b, err := json.Marshal(promptInput{NoteDate: noteDate.Format(time.DateOnly), Text: text})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
