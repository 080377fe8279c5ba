package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// LaML (the TwiML dialect served to the carrier) documents. Only the verbs
// the confirmation call flow needs are modelled.

type lamlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type lamlGather struct {
	XMLName   xml.Name `xml:"Gather"`
	Input     string   `xml:"input,attr"`
	NumDigits int      `xml:"numDigits,attr"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
	Action    string   `xml:"action,attr"`
	Method    string   `xml:"method,attr"`
	Verbs     []any    `xml:",any"`
}

type lamlPlay struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type lamlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type lamlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Prompt is what an answered call hears before the keypress window.
type Prompt struct {
	AudioURL string
	Message  string
	// GatherURL receives the pressed digit.
	GatherURL  string
	TimeoutSec int
	// Repeat plays the prompt this many times inside the gather.
	Repeat int
}

// RenderPrompt renders the answer document: the recording (or spoken message)
// inside a one-digit Gather, followed by a hangup when nothing is pressed.
func RenderPrompt(p Prompt) (string, error) {
	if strings.TrimSpace(p.AudioURL) == "" && strings.TrimSpace(p.Message) == "" {
		return "", errors.New("telephony: prompt needs audio url or message")
	}
	if strings.TrimSpace(p.GatherURL) == "" {
		return "", errors.New("telephony: gather url required")
	}
	g := lamlGather{
		Input:     "dtmf",
		NumDigits: 1,
		Timeout:   p.TimeoutSec,
		Action:    p.GatherURL,
		Method:    "POST",
	}
	n := p.Repeat
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		if p.AudioURL != "" {
			g.Verbs = append(g.Verbs, lamlPlay{URL: p.AudioURL})
		} else {
			g.Verbs = append(g.Verbs, lamlSay{Text: p.Message})
		}
	}
	return render(lamlResponse{Verbs: []any{g, lamlHangup{}}})
}

// RenderGoodbye is served after a digit was pressed.
func RenderGoodbye(confirmed bool) (string, error) {
	text := "Your confirmation was not recognised. Goodbye."
	if confirmed {
		text = "Thank you, your confirmation has been received."
	}
	return render(lamlResponse{Verbs: []any{lamlSay{Text: text}, lamlHangup{}}})
}

// RenderHangup ends a call the engine no longer wants.
func RenderHangup() (string, error) {
	return render(lamlResponse{Verbs: []any{lamlHangup{}}})
}

func render(r lamlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
