// Package telephony is the carrier-facing edge: it parses carrier webhook
// events, drives the call state machine, invokes the turn pipeline, and
// renders carrier-control markup (TwiML) responses.
package telephony

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
)

// TwiML verb structures. Only the subset the adapter emits is modelled.

// Say speaks text to the caller.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Play streams an audio clip to the caller.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

// Gather collects speech input and posts the result to Action.
type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Language      string   `xml:"language,attr,omitempty"`
	Verbs         []any
}

// Task carries JSON metadata into the agent queue.
type Task struct {
	XMLName xml.Name `xml:"Task"`
	JSON    string   `xml:",chardata"`
}

// Enqueue places the call into a named agent queue.
type Enqueue struct {
	XMLName xml.Name `xml:"Enqueue"`
	Queue   string   `xml:",chardata"`
	Task    *Task
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Document is a full TwiML response.
type Document struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Render serializes the document with the XML declaration the carrier
// expects.
func Render(d Document) ([]byte, error) {
	body, err := xml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("telephony: render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

const defaultVoice = "alice"

// Caller-facing scripted lines. The generated response text never lives
// here; these frame the conversation around it.
const (
	complianceNotice = "This call may be recorded for quality assurance and HIPAA compliance purposes."
	welcomeLine      = "Welcome to our healthcare billing assistance line. How can I help you today?"
	gatherPromptLine = "Please state your question or concern."
	noInputLine      = "I didn't hear anything. Please call back and try again."
	anythingElseLine = "Is there anything else I can help you with?"
	continueLine     = "Please let me know if you need further assistance or say goodbye to end the call."
	goodbyeLine      = "Thank you for calling. Have a great day!"
)

func speechGather(action string, inner ...any) Gather {
	return Gather{
		Input:         "speech",
		Action:        action,
		Method:        "POST",
		SpeechTimeout: "auto",
		Language:      "en-US",
		Verbs:         inner,
	}
}

// Welcome is the answer-time document: compliance notice, greeting, and
// the first speech gather.
func Welcome(speechAction string) Document {
	return Document{Verbs: []any{
		Say{Voice: defaultVoice, Text: complianceNotice},
		Say{Voice: defaultVoice, Text: welcomeLine},
		speechGather(speechAction, Say{Voice: defaultVoice, Text: gatherPromptLine}),
		Say{Voice: defaultVoice, Text: noInputLine},
	}}
}

// TurnReply plays or speaks the turn's response, then gathers the next
// utterance. audioRef may be empty, in which case the text is spoken by
// the carrier directly.
func TurnReply(responseText, audioRef, speechAction string) Document {
	verbs := make([]any, 0, 5)
	if audioRef != "" {
		verbs = append(verbs, Play{URL: audioRef})
	} else {
		verbs = append(verbs, Say{Voice: defaultVoice, Text: responseText})
	}
	verbs = append(verbs,
		Say{Voice: defaultVoice, Text: anythingElseLine},
		speechGather(speechAction, Say{Voice: defaultVoice, Text: continueLine}),
		Say{Voice: defaultVoice, Text: goodbyeLine},
	)
	return Document{Verbs: verbs}
}

// Handoff speaks the escalation notice and enqueues the call with
// reason metadata for the receiving agent.
func Handoff(notice, queue, callID, reason string) Document {
	meta, _ := json.Marshal(map[string]string{
		"call_sid":          callID,
		"escalation_reason": reason,
	})
	return Document{Verbs: []any{
		Say{Voice: defaultVoice, Text: notice},
		Enqueue{Queue: queue, Task: &Task{JSON: string(meta)}},
	}}
}

// Apology ends the interaction gracefully after an unrecoverable failure.
func Apology(text string) Document {
	return Document{Verbs: []any{
		Say{Voice: defaultVoice, Text: text},
		Hangup{},
	}}
}
